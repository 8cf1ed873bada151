package billing

import "strconv"

// ConnectionState is the lifecycle state of the billing service connection.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(s)) + ")"
	}
}

// Kind distinguishes one-time products from subscriptions.
type Kind string

const (
	KindProduct      Kind = "product"
	KindSubscription Kind = "subscription"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == KindProduct || k == KindSubscription
}

// Feature names an optional billing capability.
type Feature string

const (
	FeatureSubscriptions Feature = "subscriptions"
)

// ResponseCode is the result code reported by the billing service.
type ResponseCode int

const (
	FeatureNotSupported ResponseCode = -2
	ServiceDisconnected ResponseCode = -1
	OK                  ResponseCode = 0
	UserCanceled        ResponseCode = 1
	ServiceUnavailable  ResponseCode = 2
	BillingUnavailable  ResponseCode = 3
	ItemUnavailable     ResponseCode = 4
	DeveloperError      ResponseCode = 5
	ServiceError        ResponseCode = 6
	ItemAlreadyOwned    ResponseCode = 7
	ItemNotOwned        ResponseCode = 8
)

var responseCodeNames = map[ResponseCode]string{
	FeatureNotSupported: "FEATURE_NOT_SUPPORTED",
	ServiceDisconnected: "SERVICE_DISCONNECTED",
	OK:                  "OK",
	UserCanceled:        "USER_CANCELED",
	ServiceUnavailable:  "SERVICE_UNAVAILABLE",
	BillingUnavailable:  "BILLING_UNAVAILABLE",
	ItemUnavailable:     "ITEM_UNAVAILABLE",
	DeveloperError:      "DEVELOPER_ERROR",
	ServiceError:        "ERROR",
	ItemAlreadyOwned:    "ITEM_ALREADY_OWNED",
	ItemNotOwned:        "ITEM_NOT_OWNED",
}

func (c ResponseCode) String() string {
	if name, ok := responseCodeNames[c]; ok {
		return name
	}
	return strconv.Itoa(int(c))
}

// CatalogEntry is a catalog record as returned by the billing service.
type CatalogEntry struct {
	ID                string
	Kind              Kind
	Price             string
	PriceAmountMicros int64
	CurrencyCode      string
	Title             string
	Description       string
}

// Purchase is an owned item reported by the billing service.
type Purchase struct {
	ProductID string
	Token     string
}

// Product is the caller-facing projection of a catalog entry.
type Product struct {
	Identifier   string `json:"identifier"`
	Price        string `json:"price"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Currency     string `json:"currency"`
	Amount       int64  `json:"amount"`
	AmountMicros int64  `json:"amountMicros"`
	Type         Kind   `json:"type"`
}

// microsPerMinorUnit converts micro-units into hundredths of the currency.
const microsPerMinorUnit = 10_000

// ProductsFromCatalog projects catalog entries, skipping kinds it does not know.
func ProductsFromCatalog(entries []CatalogEntry) []Product {
	products := make([]Product, 0, len(entries))
	for _, e := range entries {
		if !e.Kind.Valid() {
			continue
		}
		products = append(products, Product{
			Identifier:   e.ID,
			Price:        e.Price,
			Title:        e.Title,
			Description:  e.Description,
			Currency:     e.CurrencyCode,
			Amount:       e.PriceAmountMicros / microsPerMinorUnit,
			AmountMicros: e.PriceAmountMicros,
			Type:         e.Kind,
		})
	}
	return products
}

// identifiers returns the product identifiers of purchases in order.
func identifiers(purchases []Purchase) []string {
	ids := make([]string, 0, len(purchases))
	for _, p := range purchases {
		ids = append(ids, p.ProductID)
	}
	return ids
}

func findPurchase(purchases []Purchase, productID string) (Purchase, bool) {
	for _, p := range purchases {
		if p.ProductID == productID {
			return p, true
		}
	}
	return Purchase{}, false
}
