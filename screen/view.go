package screen

import (
	"bringyour.com/erpclient/model"
)

type ViewType string

const (
	ViewTypeTree     ViewType = "tree"
	ViewTypeForm     ViewType = "form"
	ViewTypeGraph    ViewType = "graph"
	ViewTypeCalendar ViewType = "calendar"
)

// list-like views display the whole group
func (self ViewType) listing() bool {
	switch self {
	case ViewTypeTree, ViewTypeGraph, ViewTypeCalendar:
		return true
	default:
		return false
	}
}

// the rendering collaborator
// a view never mutates records itself. Edits come back through `Screen.OnUserEdit`
// or are flushed by `SetValue` before the screen reads the record.
type View interface {
	ViewType() ViewType
	ViewId() int64
	Editable() bool
	// the fields the view displays, loaded before `Display`
	Fields() []string
	// flushes pending widget edits into the record
	SetValue(record *model.Record)
	// `record` is nil when there is no current record
	Display(record *model.Record, group *model.Group)
	SelectedRecords() []*model.Record
	Reset()
}

// a hierarchical view with expand and select state
// paths are record ids from the top level down
type TreeView interface {
	View
	ChildrenField() string
	// the state is persisted on the server
	TreeState() bool
	// new records are inserted at the top
	EditableTop() bool
	ExpandedPaths() [][]int64
	SelectedPaths() [][]int64
	ExpandNodes(paths [][]int64)
	SelectNodes(paths [][]int64)
}

// converts between search text and structured domains
type DomainParser interface {
	Parse(text string) ([]any, error)
	String(domain []any) string
	Complete(text string) []string
}

type Confirmer interface {
	Confirm(message string) bool
}
