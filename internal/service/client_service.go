package service

import (
	"context"
	"fmt"
	"time"

	"invoicepay/internal/model"
	"invoicepay/internal/repository"
	"invoicepay/pkg/apperror"

	"github.com/google/uuid"
)

// --- DTOs ---

type CreateClientRequest struct {
	Name           string `json:"name" binding:"required"`
	Email          string `json:"email" binding:"required,email"`
	CompanyName    string `json:"company_name"`
	Phone          string `json:"phone"`
	BillingAddress string `json:"billing_address"`
	TaxCode        string `json:"tax_code"`
}

type UpdateClientRequest struct {
	Name           *string `json:"name"`
	Email          *string `json:"email" binding:"omitempty,email"`
	CompanyName    *string `json:"company_name"`
	Phone          *string `json:"phone"`
	BillingAddress *string `json:"billing_address"`
	TaxCode        *string `json:"tax_code"`
}

type ClientResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	CompanyName    string `json:"company_name"`
	Phone          string `json:"phone"`
	BillingAddress string `json:"billing_address"`
	TaxCode        string `json:"tax_code"`
	CreatedAt      string `json:"created_at"`
}

// --- Interface ---

type ClientService interface {
	CreateClient(ctx context.Context, userID uuid.UUID, req CreateClientRequest) (ClientResponse, error)
	ListClients(ctx context.Context, userID uuid.UUID, search string, page, limit int) ([]ClientResponse, int64, error)
	GetClient(ctx context.Context, userID uuid.UUID, id string) (ClientResponse, error)
	UpdateClient(ctx context.Context, userID uuid.UUID, id string, req UpdateClientRequest) (ClientResponse, error)
	DeleteClient(ctx context.Context, userID uuid.UUID, id string) error
}

type clientService struct {
	repo repository.ClientRepository
}

func NewClientService(repo repository.ClientRepository) ClientService {
	return &clientService{repo: repo}
}

// --- Implementation ---

func (s *clientService) CreateClient(ctx context.Context, userID uuid.UUID, req CreateClientRequest) (ClientResponse, error) {
	client := model.Client{
		UserID:         userID,
		Name:           req.Name,
		Email:          req.Email,
		CompanyName:    req.CompanyName,
		Phone:          req.Phone,
		BillingAddress: req.BillingAddress,
		TaxCode:        req.TaxCode,
	}

	if err := s.repo.Create(ctx, &client); err != nil {
		return ClientResponse{}, fmt.Errorf("failed to create client: %w", err)
	}
	return toClientResponse(client), nil
}

func (s *clientService) ListClients(ctx context.Context, userID uuid.UUID, search string, page, limit int) ([]ClientResponse, int64, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}

	clients, total, err := s.repo.List(ctx, userID, search, page, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch clients: %w", err)
	}

	result := make([]ClientResponse, 0, len(clients))
	for _, c := range clients {
		result = append(result, toClientResponse(c))
	}
	return result, total, nil
}

func (s *clientService) GetClient(ctx context.Context, userID uuid.UUID, id string) (ClientResponse, error) {
	client, err := s.findOwned(ctx, userID, id)
	if err != nil {
		return ClientResponse{}, err
	}
	return toClientResponse(*client), nil
}

func (s *clientService) UpdateClient(ctx context.Context, userID uuid.UUID, id string, req UpdateClientRequest) (ClientResponse, error) {
	client, err := s.findOwned(ctx, userID, id)
	if err != nil {
		return ClientResponse{}, err
	}

	if req.Name != nil {
		client.Name = *req.Name
	}
	if req.Email != nil {
		client.Email = *req.Email
	}
	if req.CompanyName != nil {
		client.CompanyName = *req.CompanyName
	}
	if req.Phone != nil {
		client.Phone = *req.Phone
	}
	if req.BillingAddress != nil {
		client.BillingAddress = *req.BillingAddress
	}
	if req.TaxCode != nil {
		client.TaxCode = *req.TaxCode
	}

	if err := s.repo.Update(ctx, client); err != nil {
		return ClientResponse{}, fmt.Errorf("failed to update client: %w", err)
	}
	return toClientResponse(*client), nil
}

func (s *clientService) DeleteClient(ctx context.Context, userID uuid.UUID, id string) error {
	if _, err := s.findOwned(ctx, userID, id); err != nil {
		return err
	}
	clientID, _ := uuid.Parse(id)
	return s.repo.Delete(ctx, userID, clientID)
}

// --- Helpers ---

func (s *clientService) findOwned(ctx context.Context, userID uuid.UUID, id string) (*model.Client, error) {
	clientID, err := uuid.Parse(id)
	if err != nil {
		return nil, apperror.NotFound("client not found")
	}
	client, err := s.repo.FindByID(ctx, userID, clientID)
	if err != nil {
		return nil, apperror.NotFound("client not found")
	}
	return client, nil
}

func toClientResponse(c model.Client) ClientResponse {
	return ClientResponse{
		ID:             c.ID.String(),
		Name:           c.Name,
		Email:          c.Email,
		CompanyName:    c.CompanyName,
		Phone:          c.Phone,
		BillingAddress: c.BillingAddress,
		TaxCode:        c.TaxCode,
		CreatedAt:      c.CreatedAt.Format(time.RFC3339),
	}
}
