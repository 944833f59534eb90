package filter

type Stream interface {
	// OnStreamComplete runs when the ext_proc stream of a request ends, which can happen at any point in the
	// protocol lifecycle (e.g the client going away before the response).
	OnStreamComplete(req *RequestContext)
}
