package billing

// Listener receives the billing service's out-of-band notifications.
// Implementations may be invoked from any goroutine.
type Listener interface {
	// OnSetupFinished reports the outcome of StartConnection.
	OnSetupFinished(code ResponseCode)
	// OnDisconnected reports a service-initiated disconnect.
	OnDisconnected()
	// OnPurchasesUpdated is delivered once per completed purchase flow.
	OnPurchasesUpdated(code ResponseCode, purchases []Purchase)
}

// Service is the platform billing SDK as seen by the session. Calls are only
// made while the session holds a ready connection, except StartConnection,
// EndConnection and IsReady.
type Service interface {
	StartConnection(listener Listener)
	EndConnection()
	IsReady() bool
	QueryCatalog(ids []string, kind Kind, done func(ResponseCode, []CatalogEntry))
	QueryPurchases(kind Kind) (ResponseCode, []Purchase)
	LaunchPurchaseFlow(productID string, kind Kind) ResponseCode
	IsFeatureSupported(feature Feature) ResponseCode
	Consume(token string, done func(code ResponseCode, token string))
}
