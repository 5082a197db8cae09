package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var ErrAccountNotFound = errors.New("account not found")

type Service interface {
	// Create registers a fresh account with zero balances and the
	// bandwidth cycle anchored now.
	Create(ctx context.Context) (*Account, error)

	// Get looks an account up by id.
	Get(ctx context.Context, id snowflake.ID) (*Account, error)
}
