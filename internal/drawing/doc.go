// Package drawing owns the authoritative stroke history of a shared canvas.
//
// A Room tracks three disjoint collections of operations: active strokes that
// are still receiving points, the history of finished strokes currently
// visible, and the redo stack of finished strokes hidden by undo. Undo and redo
// are global to the room: they act on the most recent stroke by any user.
//
// Unknown operation ids are not errors. AppendPoint and FinishOperation on an
// id the room does not hold as active are no-ops, which is what lets the
// transport deliver duplicate or out-of-order stroke events safely.
package drawing
