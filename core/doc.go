// Package core defines component addressing and typed messages for snipc.
//
// Every endpoint is named by an Address made of a manager id, a component
// id and a channel id. Messages travel between addresses regardless of
// whether the peer lives in the same thread, another goroutine or another
// process. The Router in this package is the local delivery path: once a
// message has reached the manager that owns its destination, the router
// hands it to the registered component.
package core
