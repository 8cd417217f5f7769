package gitops

import "context"

// Mock is a Controller with programmable behaviour, for tests.
type Mock struct {
	ApplicationFunc   func(ctx context.Context, name string) (Status, error)
	ApplicationsFunc  func(ctx context.Context) (map[string]Status, error)
	SyncFunc          func(ctx context.Context, name string) error
	RefreshAppSetFunc func(ctx context.Context, name string) error
}

var _ Controller = &Mock{}

func (m *Mock) Application(ctx context.Context, name string) (Status, error) {
	if m.ApplicationFunc == nil {
		return Status{}, nil
	}
	return m.ApplicationFunc(ctx, name)
}

func (m *Mock) Applications(ctx context.Context) (map[string]Status, error) {
	if m.ApplicationsFunc == nil {
		return map[string]Status{}, nil
	}
	return m.ApplicationsFunc(ctx)
}

func (m *Mock) Sync(ctx context.Context, name string) error {
	if m.SyncFunc == nil {
		return nil
	}
	return m.SyncFunc(ctx, name)
}

func (m *Mock) RefreshAppSet(ctx context.Context, name string) error {
	if m.RefreshAppSetFunc == nil {
		return nil
	}
	return m.RefreshAppSetFunc(ctx, name)
}
