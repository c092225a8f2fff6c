package cbr

import "context"

type CbrClient interface {
	FetchDocument(ctx context.Context) (*ValCurs, error)
}
