package storage

// Command is one mutation recorded in the log. It is either a SetCommand or a
// RemoveCommand; the set of implementations is closed to this package.
type Command interface {
	isCommand()
}

// SetCommand records that Key now maps to Value.
type SetCommand struct {
	Key   string
	Value string
}

// RemoveCommand records that Key was deleted.
type RemoveCommand struct {
	Key string
}

func (SetCommand) isCommand()    {}
func (RemoveCommand) isCommand() {}

// Location is the position of one record inside the archive.
type Location struct {
	SegmentID uint64
	Offset    int64
	// Length is the full framed size of the record in bytes.
	Length int64
}

// End returns the offset just past the record.
func (l Location) End() int64 {
	return l.Offset + l.Length
}
