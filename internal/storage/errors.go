package storage

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiori/internal/model"
)

func runNotFound(id uuid.UUID) error {
	return fmt.Errorf("storage: run %s: %w", id, model.ErrNotFound)
}
