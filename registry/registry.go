package registry

// ServiceInstance describes one advertised server endpoint. Addr is a
// connection address the transport can resolve ("host:port", "tcp://...",
// or "unix://...").
type ServiceInstance struct {
	Addr    string
	Weight  int // Weight for load balancing
	Version string
}

// Registry advertises server endpoints and lets clients discover them.
type Registry interface {
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, addr string) error
	Discover(serviceName string) ([]ServiceInstance, error)
	Watch(serviceName string) <-chan []ServiceInstance
}
