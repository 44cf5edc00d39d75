package sweep

import "context"

// Expirer closes negotiations that outlived their deadline.
type Expirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

// Expiry is the job wrapper around an Expirer.
type Expiry struct {
	negotiations Expirer
}

func NewExpiry(negotiations Expirer) *Expiry {
	return &Expiry{negotiations: negotiations}
}

func (e *Expiry) RunOnce(ctx context.Context) (int, error) {
	return e.negotiations.ExpireStale(ctx)
}
