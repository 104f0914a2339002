package tracking

import "sort"

// Projection maps student ID to status, derived from a trip's event ledger.
// It is recomputed on every read and never stored.
type Projection map[string]StudentStatus

func Project(events []AttendanceEvent) Projection {
	p := make(Projection, len(events))
	for _, ev := range events {
		switch ev.Type {
		case Drop:
			p[ev.StudentID] = StudentCompleted
		case Pickup:
			if p[ev.StudentID] != StudentCompleted {
				p[ev.StudentID] = StudentOnBoard
			}
		}
	}
	return p
}

func (p Projection) Status(studentID string) StudentStatus {
	if s, ok := p[studentID]; ok {
		return s
	}
	return StudentNone
}

// OnBoard returns the IDs of students picked up but not dropped, sorted.
func (p Projection) OnBoard() []string {
	var ids []string
	for id, s := range p {
		if s == StudentOnBoard {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (p Projection) Count(status StudentStatus) int {
	n := 0
	for _, s := range p {
		if s == status {
			n++
		}
	}
	return n
}
