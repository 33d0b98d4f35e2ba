package repository

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/fleetops/fieldsync/internal/errors"
	"github.com/fleetops/fieldsync/internal/models"
)

// Untyped is the kind-agnostic view of a repository, used where the kind is
// only known at runtime.
type Untyped interface {
	Kind() models.EntityKind
	SaveJSON(ctx context.Context, raw json.RawMessage) (models.Entity, error)
	GetEntity(ctx context.Context, id string) (models.Entity, bool, error)
	ListEntities(ctx context.Context) ([]models.Entity, error)
	DeleteLocal(ctx context.Context, id string) error
	ResolveConflict(ctx context.Context, id string, keepLocal bool) error
}

// Repositories groups the repository of every entity kind.
type Repositories struct {
	Vehicles      *Repository[*models.Vehicle]
	WorkOrders    *Repository[*models.WorkOrder]
	Inspections   *Repository[*models.Inspection]
	DamageReports *Repository[*models.DamageReport]
}

var (
	_ Untyped = (*Repository[*models.Vehicle])(nil)
	_ Untyped = (*Repository[*models.WorkOrder])(nil)
	_ Untyped = (*Repository[*models.Inspection])(nil)
	_ Untyped = (*Repository[*models.DamageReport])(nil)
)

// NewRepositories creates a repository per entity kind sharing d.
func NewRepositories(d Deps) *Repositories {
	return &Repositories{
		Vehicles:      New(d, func() *models.Vehicle { return &models.Vehicle{} }),
		WorkOrders:    New(d, func() *models.WorkOrder { return &models.WorkOrder{} }),
		Inspections:   New(d, func() *models.Inspection { return &models.Inspection{} }),
		DamageReports: New(d, func() *models.DamageReport { return &models.DamageReport{} }),
	}
}

// For returns the repository of kind.
func (r *Repositories) For(kind models.EntityKind) (Untyped, error) {
	switch kind {
	case models.KindVehicle:
		return r.Vehicles, nil
	case models.KindWorkOrder:
		return r.WorkOrders, nil
	case models.KindInspection:
		return r.Inspections, nil
	case models.KindDamageReport:
		return r.DamageReports, nil
	}
	return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown entity kind %q", kind))
}
