// Package router defines how API areas describe their routes to the
// server.
package router

import "github.com/minefleet/minefleet/api/server/httputils"

// Router is one API area: a set of routes sharing a backend.
type Router interface {
	Routes() []Route
}

// Route is one method+path binding.
type Route interface {
	Handler() httputils.APIFunc
	Method() string
	Path() string
}

type localRoute struct {
	method  string
	path    string
	handler httputils.APIFunc
}

func (l localRoute) Handler() httputils.APIFunc { return l.handler }
func (l localRoute) Method() string             { return l.method }
func (l localRoute) Path() string               { return l.path }

// NewRoute builds a route for an arbitrary method.
func NewRoute(method, path string, handler httputils.APIFunc) Route {
	return localRoute{method: method, path: path, handler: handler}
}

// NewGetRoute builds a GET route.
func NewGetRoute(path string, handler httputils.APIFunc) Route {
	return NewRoute("GET", path, handler)
}

// NewPostRoute builds a POST route.
func NewPostRoute(path string, handler httputils.APIFunc) Route {
	return NewRoute("POST", path, handler)
}

// NewDeleteRoute builds a DELETE route.
func NewDeleteRoute(path string, handler httputils.APIFunc) Route {
	return NewRoute("DELETE", path, handler)
}
