package datachannel

import "sync"

// ConnStream adapts one logical connection on a Link to the Stream shape the
// splicers in package stream expect: reads come from the connection's route,
// writes are framed onto the link, and CloseWrite emits the end-of-stream
// marker so the peer can drain before closing.
type ConnStream struct {
	link    *Link
	route   *Route
	eosOnce sync.Once
	eosErr  error
}

// NewConnStream pairs a link with a route opened on it.
func NewConnStream(link *Link, route *Route) *ConnStream {
	return &ConnStream{link: link, route: route}
}

func (s *ConnStream) Read(p []byte) (int, error) {
	return s.route.Read(p)
}

func (s *ConnStream) Write(p []byte) (int, error) {
	if err := s.link.Send(s.route.ConnectionID(), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CloseWrite sends the end-of-stream marker for this connection. The read
// side stays open so the opposite direction can keep draining.
func (s *ConnStream) CloseWrite() error {
	s.eosOnce.Do(func() {
		s.eosErr = s.link.SendEOS(s.route.ConnectionID())
	})
	return s.eosErr
}
