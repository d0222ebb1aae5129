package loyalty

import "time"

// ClientInfo identifies a loyalty programme member.
type ClientInfo struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	DNI       string    `json:"dni,omitempty"`
	QRCode    string    `json:"qr_code,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ClientStatus is a member's progress towards their next reward.
type ClientStatus struct {
	ActivePurchasesCount int     `json:"active_purchases_count"`
	RewardAvailable      bool    `json:"reward_available"`
	AvailableDiscount    float64 `json:"available_discount"`
}

// ClientProfile is the response of GET /clients/{identifier}.
type ClientProfile struct {
	Client ClientInfo   `json:"client"`
	Status ClientStatus `json:"status"`
}

// PurchaseStatus tracks whether a purchase still counts towards a reward.
type PurchaseStatus string

const (
	PurchaseActive PurchaseStatus = "active"
	PurchaseUsed   PurchaseStatus = "used"
)

// Purchase is a registered sale.
type Purchase struct {
	ID        string         `json:"id"`
	ClientID  string         `json:"client_id"`
	StoreID   string         `json:"store_id"`
	Amount    float64        `json:"amount"`
	Status    PurchaseStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

// Reward is a redeemed discount.
type Reward struct {
	ID               string    `json:"id"`
	ClientID         string    `json:"client_id"`
	StoreIDUsed      string    `json:"store_id_used"`
	AmountDiscounted float64   `json:"amount_discounted"`
	CreatedAt        time.Time `json:"created_at"`
}

// StoreStats summarises activity at the cashier's store.
type StoreStats struct {
	TotalPurchases  int     `json:"total_purchases"`
	TotalAmount     float64 `json:"total_amount"`
	RewardsRedeemed int     `json:"rewards_redeemed"`
	TotalDiscounted float64 `json:"total_discounted"`
	UniqueClients   int     `json:"unique_clients"`
}

// AdminStats summarises activity across all stores.
type AdminStats struct {
	TotalClients    int     `json:"total_clients"`
	TotalStores     int     `json:"total_stores"`
	TotalPurchases  int     `json:"total_purchases"`
	TotalRewards    int     `json:"total_rewards"`
	TotalAmount     float64 `json:"total_amount"`
	TotalDiscounted float64 `json:"total_discounted"`
}

// Metadata describes one page of a paginated listing.
type Metadata struct {
	CurrentPage  int `json:"current_page,omitempty"`
	PageSize     int `json:"page_size,omitempty"`
	FirstPage    int `json:"first_page,omitempty"`
	LastPage     int `json:"last_page,omitempty"`
	TotalRecords int `json:"total_records,omitempty"`
}

// StorePurchases is one page of the store's purchase history.
type StorePurchases struct {
	Purchases []Purchase `json:"purchases"`
	Metadata  Metadata   `json:"metadata"`
}

// ClientPage is one page of the admin client listing.
type ClientPage struct {
	Clients  []ClientInfo `json:"clients"`
	Metadata Metadata     `json:"metadata"`
}

// RegisterRequest enrols a new client. Password and DNI are optional.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password,omitempty"`
	DNI      string `json:"dni,omitempty"`
}
