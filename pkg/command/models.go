package command

// Principal is an authenticated identity bound to a connection token.
// Password holds the plaintext password on the initial login only. It is
// never cached and only the auth-service stream may subscribe to Connect.
type Principal struct {
	AuthenticationToken string `cbor:"authentication_token,omitempty"`
	LoginName           string `cbor:"login_name,omitempty"`
	Password            string `cbor:"password,omitempty"`
}

// TypeURL implements Model.
func (Principal) TypeURL() string { return typeURLPrefix + "Principal" }

// ServiceMetaData is the announcement a connected service publishes about itself.
type ServiceMetaData struct {
	ServiceAddress string   `cbor:"service_address"`
	ServiceName    string   `cbor:"service_name,omitempty"`
	Version        string   `cbor:"version,omitempty"`
	Description    string   `cbor:"description,omitempty"`
	Topics         []string `cbor:"topics,omitempty"`
}

// TypeURL implements Model.
func (ServiceMetaData) TypeURL() string { return typeURLPrefix + "ServiceMetaData" }

// SubscriptionMessage carries the topic of a Subscribe or Unsubscribe command.
type SubscriptionMessage struct {
	Topic string `cbor:"topic"`
}

// TypeURL implements Model.
func (SubscriptionMessage) TypeURL() string { return typeURLPrefix + "SubscriptionMessage" }

// FetchRequest is a query for data held by a data-access service.
type FetchRequest struct {
	TypeDescription        string `cbor:"type_description"`
	Query                  string `cbor:"query,omitempty"`
	IncludeRelatedEntities bool   `cbor:"include_related_entities,omitempty"`
}

// TypeURL implements Model.
func (FetchRequest) TypeURL() string { return typeURLPrefix + "FetchRequest" }

// ErrorModel is an error-tagged payload returned in place of a result.
type ErrorModel struct {
	Message string `cbor:"message"`
	Code    int    `cbor:"code,omitempty"`
}

// TypeURL implements Model.
func (ErrorModel) TypeURL() string { return typeURLPrefix + "ErrorModel" }

// Error implements error so handlers can return the model directly.
func (e *ErrorModel) Error() string { return e.Message }

// Event is an opaque application payload carried on arbitrary topics.
type Event struct {
	ContentType string `cbor:"content_type,omitempty"`
	Body        []byte `cbor:"body,omitempty"`
}

// TypeURL implements Model.
func (Event) TypeURL() string { return typeURLPrefix + "Event" }
