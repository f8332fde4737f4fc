package geometry

import "fmt"

// ConnectionTable says which input channels feed which output channels.
// The zero value connects everything.
type ConnectionTable struct {
	inDepth  int
	outDepth int
	// connected is row-major by input channel: [inc*outDepth + o].
	connected []bool
}

// FullyConnected returns a table connecting every pair.
func FullyConnected() ConnectionTable {
	return ConnectionTable{}
}

// NewConnectionTable builds a table from an inDepth x outDepth matrix laid out
// row by row, one row per input channel.
func NewConnectionTable(inDepth, outDepth int, connected []bool) (ConnectionTable, error) {
	if inDepth <= 0 || outDepth <= 0 {
		return ConnectionTable{}, fmt.Errorf("%w: connection table %dx%d", ErrInvalidGeometry, inDepth, outDepth)
	}
	if len(connected) != inDepth*outDepth {
		return ConnectionTable{}, fmt.Errorf("%w: connection table has %d entries, want %d",
			ErrInvalidGeometry, len(connected), inDepth*outDepth)
	}
	return ConnectionTable{
		inDepth:   inDepth,
		outDepth:  outDepth,
		connected: append([]bool(nil), connected...),
	}, nil
}

// GroupedConnectionTable connects input and output channels in the same group,
// as a grouped convolution does.
func GroupedConnectionTable(inDepth, outDepth, groups int) (ConnectionTable, error) {
	if groups <= 0 || inDepth%groups != 0 || outDepth%groups != 0 {
		return ConnectionTable{}, fmt.Errorf("%w: %d groups do not divide %d inputs and %d outputs",
			ErrInvalidGeometry, groups, inDepth, outDepth)
	}
	inPer, outPer := inDepth/groups, outDepth/groups
	connected := make([]bool, inDepth*outDepth)
	for inc := range inDepth {
		for o := range outDepth {
			connected[inc*outDepth+o] = inc/inPer == o/outPer
		}
	}
	return NewConnectionTable(inDepth, outDepth, connected)
}

// Empty reports whether the table is the implicit fully connected one.
func (t ConnectionTable) Empty() bool {
	return t.connected == nil
}

// Connected reports whether output channel o reads input channel inc.
func (t ConnectionTable) Connected(o, inc int) bool {
	if t.connected == nil {
		return true
	}
	return t.connected[inc*t.outDepth+o]
}

// Dims returns the table's input and output depth, zero for an empty table.
func (t ConnectionTable) Dims() (inDepth, outDepth int) {
	return t.inDepth, t.outDepth
}

// Rows returns the table as one []bool per input channel, nil when empty.
func (t ConnectionTable) Rows() [][]bool {
	if t.connected == nil {
		return nil
	}
	rows := make([][]bool, t.inDepth)
	for inc := range rows {
		rows[inc] = append([]bool(nil), t.connected[inc*t.outDepth:(inc+1)*t.outDepth]...)
	}
	return rows
}
