package dispute

import "context"

// Lister abstracts the repository for consumers.
type Lister interface {
	ListOpen(ctx context.Context) ([]Record, error)
}

type Service struct {
	repo Lister
}

func NewService(repo Lister) *Service {
	return &Service{repo: repo}
}

func (s *Service) ListOpen(ctx context.Context) ([]Record, error) {
	return s.repo.ListOpen(ctx)
}
