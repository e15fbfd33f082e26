package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"qms/ticket-service/internal/feed"
	"qms/ticket-service/internal/models"
	"qms/ticket-service/internal/store"

	"github.com/google/uuid"
)

// Catalog is the read-mostly set of service definitions. Edits never touch
// existing tickets, which carry their own copy of the service name.
type Catalog struct {
	store     store.Store
	publisher feed.Publisher
}

func NewCatalog(st store.Store, options Options) *Catalog {
	options = options.withDefaults()
	return &Catalog{store: st, publisher: options.Publisher}
}

func (c *Catalog) List(ctx context.Context) ([]models.Service, error) {
	return c.store.ListServices(ctx)
}

func (c *Catalog) Get(ctx context.Context, serviceID string) (models.Service, error) {
	svc, err := c.store.GetService(ctx, serviceID)
	if errors.Is(err, store.ErrServiceNotFound) {
		return models.Service{}, ErrUnknownService
	}
	return svc, err
}

// Save creates or replaces a service. An empty ServiceID gets a new id.
func (c *Catalog) Save(ctx context.Context, svc models.Service) (models.Service, error) {
	svc.Name = strings.TrimSpace(svc.Name)
	svc.Prefix = strings.TrimSpace(svc.Prefix)
	if err := ValidateService(svc); err != nil {
		return models.Service{}, err
	}
	if svc.ServiceID == "" {
		svc.ServiceID = uuid.NewString()
	}
	if err := c.store.SaveService(ctx, svc); err != nil {
		return models.Service{}, err
	}
	c.publisher.Publish(ctx, feed.NewEvent("service.saved", feed.TopicServices, svc))
	return svc, nil
}

func (c *Catalog) Delete(ctx context.Context, serviceID string) error {
	if err := c.store.DeleteService(ctx, serviceID); err != nil {
		if errors.Is(err, store.ErrServiceNotFound) {
			return ErrUnknownService
		}
		return err
	}
	c.publisher.Publish(ctx, feed.NewEvent("service.deleted", feed.TopicServices, map[string]string{"service_id": serviceID}))
	return nil
}

func ValidateService(svc models.Service) error {
	if svc.Name == "" {
		return fmt.Errorf("%w: service name is required", ErrInvalidInput)
	}
	if len(svc.Prefix) != 1 || svc.Prefix[0] < 'A' || svc.Prefix[0] > 'Z' {
		return fmt.Errorf("%w: prefix must be a single uppercase letter", ErrInvalidInput)
	}
	if svc.DefaultWaitMinutes < 0 {
		return fmt.Errorf("%w: default wait minutes must not be negative", ErrInvalidInput)
	}
	return nil
}
