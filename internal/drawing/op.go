package drawing

// Point is a canvas-space coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// OperationMeta is fixed when a stroke begins.
type OperationMeta struct {
	UserID      string  `json:"userId"`
	DisplayName string  `json:"name"`
	Color       string  `json:"color"`
	StrokeWidth float64 `json:"width"`
	IsEraser    bool    `json:"isEraser"`
}

// Operation is one continuous stroke, or its in-progress prefix.
type Operation struct {
	ID       string        `json:"id"`
	Points   []Point       `json:"points"`
	Meta     OperationMeta `json:"meta"`
	Finished bool          `json:"finished"`
}

// Clone returns a deep copy whose points never alias the receiver's.
func (o Operation) Clone() Operation {
	points := make([]Point, len(o.Points))
	copy(points, o.Points)
	o.Points = points
	return o
}

// Equal reports whether two operations carry the same id, points, meta and
// finished flag.
func (o Operation) Equal(other Operation) bool {
	if o.ID != other.ID || o.Meta != other.Meta || o.Finished != other.Finished {
		return false
	}
	if len(o.Points) != len(other.Points) {
		return false
	}
	for i := range o.Points {
		if o.Points[i] != other.Points[i] {
			return false
		}
	}
	return true
}

// User is one live connection in a room.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func cloneAll(ops []Operation) []Operation {
	out := make([]Operation, len(ops))
	for i, op := range ops {
		out[i] = op.Clone()
	}
	return out
}
