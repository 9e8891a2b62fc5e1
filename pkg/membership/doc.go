// Package membership holds the identity records shared by every layer of a
// group stack: endpoints, view identifiers, installed views and the local
// state a process derives from the view it is in.
//
// The types carry no protocol behavior. Views are immutable once built; the
// merge and flush protocols create new views with NewView, View.Next and
// Merge.
package membership
