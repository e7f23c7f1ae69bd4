package members

// Ward is a subdivision of a parish with its own role assignments.
type Ward struct {
	ID       int64
	ParishID int64
	Code     string
	Name     string
	IsActive bool
}
