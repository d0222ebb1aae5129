// Package loyalty is a typed client for the loyalty programme endpoints.
// Every call goes through a session.Gateway, so it carries the current
// credentials and survives an access token expiring mid-session.
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/dyluth/magicclub/pkg/session"
	"github.com/google/uuid"
)

const (
	// DefaultPageSize is used when a listing is requested with pageSize 0
	DefaultPageSize = 20

	// MaxPageSize is the largest page the backend serves
	MaxPageSize = 100
)

// ErrInvalidArgument is returned before any request is sent when an argument
// is rejected locally.
var ErrInvalidArgument = errors.New("invalid argument")

// Client calls the loyalty API.
type Client struct {
	gw *session.Gateway
}

// New creates a client on top of gw.
func New(gw *session.Gateway) *Client {
	return &Client{gw: gw}
}

// GetClientProfile looks a member up by id, email, DNI or QR code and returns
// their reward status.
func (c *Client) GetClientProfile(ctx context.Context, identifier string) (*ClientProfile, error) {
	if identifier == "" {
		return nil, fmt.Errorf("%w: client identifier cannot be empty", ErrInvalidArgument)
	}

	var profile ClientProfile
	if err := c.gw.JSON(ctx, http.MethodGet, "/clients/"+url.PathEscape(identifier), nil, &profile); err != nil {
		return nil, fmt.Errorf("failed to get client %s: %w", identifier, err)
	}
	return &profile, nil
}

// CreatePurchase registers a sale for clientID at storeID.
func (c *Client) CreatePurchase(ctx context.Context, clientID, storeID string, amount float64) (*Purchase, error) {
	if err := validateIDs(clientID, storeID); err != nil {
		return nil, err
	}
	if err := validateAmount("amount", amount); err != nil {
		return nil, err
	}

	body := map[string]any{
		"client_id": clientID,
		"store_id":  storeID,
		"amount":    amount,
	}
	var out struct {
		Purchase Purchase `json:"purchase"`
	}
	if err := c.gw.JSON(ctx, http.MethodPost, "/purchases", body, &out); err != nil {
		return nil, fmt.Errorf("failed to create purchase: %w", err)
	}
	return &out.Purchase, nil
}

// RedeemReward applies a client's available discount at storeID.
func (c *Client) RedeemReward(ctx context.Context, clientID, storeID string, amountDiscounted float64) (*Reward, error) {
	if err := validateIDs(clientID, storeID); err != nil {
		return nil, err
	}
	if err := validateAmount("discount", amountDiscounted); err != nil {
		return nil, err
	}

	body := map[string]any{
		"client_id":         clientID,
		"store_id_used":     storeID,
		"amount_discounted": amountDiscounted,
	}
	var out struct {
		Reward Reward `json:"reward"`
	}
	if err := c.gw.JSON(ctx, http.MethodPost, "/rewards/redeem", body, &out); err != nil {
		return nil, fmt.Errorf("failed to redeem reward: %w", err)
	}
	return &out.Reward, nil
}

// RegisterClient enrols a new member.
func (c *Client) RegisterClient(ctx context.Context, req RegisterRequest) (*ClientInfo, error) {
	if req.Email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidArgument)
	}

	var out struct {
		Client ClientInfo `json:"client"`
	}
	if err := c.gw.JSON(ctx, http.MethodPost, "/clients", req, &out); err != nil {
		return nil, fmt.Errorf("failed to register client: %w", err)
	}
	return &out.Client, nil
}

// StoreStats returns the cashier's store summary.
func (c *Client) StoreStats(ctx context.Context) (*StoreStats, error) {
	var out struct {
		Stats StoreStats `json:"stats"`
	}
	if err := c.gw.JSON(ctx, http.MethodGet, "/store/stats", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to get store stats: %w", err)
	}
	return &out.Stats, nil
}

// StorePurchases returns one page of the store's purchase history.
func (c *Client) StorePurchases(ctx context.Context, page, pageSize int) (*StorePurchases, error) {
	query, err := pageQuery(page, pageSize)
	if err != nil {
		return nil, err
	}

	var out StorePurchases
	req := &session.Request{Method: http.MethodGet, Path: "/store/purchases", Query: query}
	if err := c.gw.DoJSON(ctx, req, &out); err != nil {
		return nil, fmt.Errorf("failed to list store purchases: %w", err)
	}
	return &out, nil
}

// AdminStats returns the programme-wide summary.
func (c *Client) AdminStats(ctx context.Context) (*AdminStats, error) {
	var out struct {
		Stats AdminStats `json:"stats"`
	}
	if err := c.gw.JSON(ctx, http.MethodGet, "/admin/stats", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to get admin stats: %w", err)
	}
	return &out.Stats, nil
}

// AdminClients returns one page of all registered members.
func (c *Client) AdminClients(ctx context.Context, page, pageSize int) (*ClientPage, error) {
	query, err := pageQuery(page, pageSize)
	if err != nil {
		return nil, err
	}

	var out ClientPage
	req := &session.Request{Method: http.MethodGet, Path: "/admin/clients", Query: query}
	if err := c.gw.DoJSON(ctx, req, &out); err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	return &out, nil
}

func validateIDs(clientID, storeID string) error {
	if _, err := uuid.Parse(clientID); err != nil {
		return fmt.Errorf("%w: client id %q is not a UUID", ErrInvalidArgument, clientID)
	}
	id, err := uuid.Parse(storeID)
	if err != nil {
		return fmt.Errorf("%w: store id %q is not a UUID", ErrInvalidArgument, storeID)
	}
	if id == uuid.Nil {
		return fmt.Errorf("%w: store id is not configured", ErrInvalidArgument)
	}
	return nil
}

func validateAmount(name string, amount float64) error {
	if !(amount > 0) {
		return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidArgument, name, amount)
	}
	return nil
}

// pageQuery builds page/page_size parameters. page 0 means the first page and
// pageSize 0 means DefaultPageSize.
func pageQuery(page, pageSize int) (url.Values, error) {
	if page == 0 {
		page = 1
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if page < 1 {
		return nil, fmt.Errorf("%w: page must be at least 1, got %d", ErrInvalidArgument, page)
	}
	if pageSize < 1 || pageSize > MaxPageSize {
		return nil, fmt.Errorf("%w: page size must be between 1 and %d, got %d", ErrInvalidArgument, MaxPageSize, pageSize)
	}

	return url.Values{
		"page":      []string{strconv.Itoa(page)},
		"page_size": []string{strconv.Itoa(pageSize)},
	}, nil
}
