// Package protocol holds the envelope and order types exchanged by the
// action / on_action callback protocol, plus the validation and context
// helpers shared by both roles.
package protocol

import "encoding/json"

// Action names the request verbs and their callback verbs.
type Action string

const (
	ActionConfirm   Action = "confirm"
	ActionCancel    Action = "cancel"
	ActionStatus    Action = "status"
	ActionOnConfirm Action = "on_confirm"
	ActionOnCancel  Action = "on_cancel"
	ActionOnStatus  Action = "on_status"
)

// Callback returns the on_action verb answering a request action.
func (a Action) Callback() Action {
	switch a {
	case ActionConfirm:
		return ActionOnConfirm
	case ActionCancel:
		return ActionOnCancel
	case ActionStatus:
		return ActionOnStatus
	default:
		return a
	}
}

// Order lifecycle states carried in order.state
const (
	OrderStateCreated    = "Created"
	OrderStateAccepted   = "Accepted"
	OrderStateInProgress = "In-progress"
	OrderStateShipped    = "Shipped"
	OrderStateDelivered  = "Delivered"
	OrderStateCompleted  = "Completed"
	OrderStateCancelled  = "Cancelled"
)

// Envelope is the wire shape of every request and callback.
type Envelope struct {
	Context *Context `json:"context,omitempty"`
	Message *Message `json:"message,omitempty"`
	Error   *Error   `json:"error,omitempty"`
}

// Context is the envelope metadata block.
type Context struct {
	Domain        string `json:"domain,omitempty"`
	Country       string `json:"country,omitempty"`
	City          string `json:"city,omitempty"`
	Action        Action `json:"action,omitempty"`
	CoreVersion   string `json:"core_version,omitempty"`
	BapID         string `json:"bap_id,omitempty"`
	BapURI        string `json:"bap_uri,omitempty"`
	BppID         string `json:"bpp_id,omitempty"`
	BppURI        string `json:"bpp_uri,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	MessageID     string `json:"message_id,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
	TTL           string `json:"ttl,omitempty"`
}

// Message carries the action specific body. Only the fields relevant to the
// action are populated. Members without a typed field are kept in Extra on
// the message and on the order types below.
type Message struct {
	Order                *Order `json:"order,omitempty"`
	OrderID              string `json:"order_id,omitempty"`
	CancellationReasonID string `json:"cancellation_reason_id,omitempty"`

	Extra Extras `json:"-"`
}

type Order struct {
	ID           string        `json:"id"`
	State        string        `json:"state,omitempty"`
	Provider     *Provider     `json:"provider,omitempty"`
	Items        []Item        `json:"items,omitempty"`
	Billing      *Billing      `json:"billing,omitempty"`
	Fulfillments []Fulfillment `json:"fulfillments,omitempty"`
	Quote        *Quote        `json:"quote,omitempty"`
	Payment      *Payment      `json:"payment,omitempty"`
	Cancellation *Cancellation `json:"cancellation,omitempty"`
	CreatedAt    string        `json:"created_at,omitempty"`
	UpdatedAt    string        `json:"updated_at,omitempty"`

	Extra Extras `json:"-"`
}

type Provider struct {
	ID        string     `json:"id,omitempty"`
	Locations []Location `json:"locations,omitempty"`

	Extra Extras `json:"-"`
}

type Item struct {
	ID            string    `json:"id"`
	Quantity      *Quantity `json:"quantity,omitempty"`
	FulfillmentID string    `json:"fulfillment_id,omitempty"`
	Cancellable   *bool     `json:"@ondc/org/cancellable,omitempty"`

	Extra Extras `json:"-"`
}

type Quantity struct {
	Count int `json:"count"`
}

type Billing struct {
	Name string `json:"name,omitempty"`
	// Address is kept raw, it is a string or an address object.
	Address json.RawMessage `json:"address,omitempty"`
	Phone   string          `json:"phone,omitempty"`
	Email   string          `json:"email,omitempty"`

	Extra Extras `json:"-"`
}

type Fulfillment struct {
	ID       string            `json:"id,omitempty"`
	Type     string            `json:"type,omitempty"`
	Tracking *bool             `json:"tracking,omitempty"`
	State    *FulfillmentState `json:"state,omitempty"`
	Start    *Stop             `json:"start,omitempty"`
	End      *Stop             `json:"end,omitempty"`

	Extra Extras `json:"-"`
}

type FulfillmentState struct {
	Descriptor Descriptor `json:"descriptor"`
}

type Descriptor struct {
	Code string `json:"code,omitempty"`
	Name string `json:"name,omitempty"`
}

// Stop is a fulfillment start or end point.
type Stop struct {
	Location *Location  `json:"location,omitempty"`
	Time     *TimeRange `json:"time,omitempty"`
	Contact  *Contact   `json:"contact,omitempty"`

	Extra Extras `json:"-"`
}

type TimeRange struct {
	Range *Window `json:"range,omitempty"`
}

type Window struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

type Contact struct {
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

type Location struct {
	ID      string   `json:"id,omitempty"`
	GPS     string   `json:"gps,omitempty"`
	Address *Address `json:"address,omitempty"`

	Extra Extras `json:"-"`
}

type Address struct {
	Name     string `json:"name,omitempty"`
	Building string `json:"building,omitempty"`
	Street   string `json:"street,omitempty"`
	Locality string `json:"locality,omitempty"`
	City     string `json:"city,omitempty"`
	State    string `json:"state,omitempty"`
	Country  string `json:"country,omitempty"`
	AreaCode string `json:"area_code,omitempty"`
}

type Quote struct {
	Price   Price          `json:"price"`
	Breakup []QuoteBreakup `json:"breakup,omitempty"`
	TTL     string         `json:"ttl,omitempty"`

	Extra Extras `json:"-"`
}

type QuoteBreakup struct {
	ItemID    string `json:"@ondc/org/item_id,omitempty"`
	TitleType string `json:"@ondc/org/title_type,omitempty"`
	Title     string `json:"title,omitempty"`
	Price     *Price `json:"price,omitempty"`

	Extra Extras `json:"-"`
}

type Price struct {
	Currency string `json:"currency,omitempty"`
	Value    string `json:"value,omitempty"`
}

type Payment struct {
	Type        string         `json:"type,omitempty"`
	CollectedBy string         `json:"collected_by,omitempty"`
	Status      string         `json:"status,omitempty"`
	Params      *PaymentParams `json:"params,omitempty"`

	Extra Extras `json:"-"`
}

type PaymentParams struct {
	TransactionID     string `json:"transaction_id,omitempty"`
	Amount            string `json:"amount,omitempty"`
	Currency          string `json:"currency,omitempty"`
	TransactionStatus string `json:"transaction_status,omitempty"`
}

type Cancellation struct {
	CancelledBy string `json:"cancelled_by,omitempty"`
	Reason      Reason `json:"reason"`
}

type Reason struct {
	ID   string `json:"id,omitempty"`
	Code string `json:"code,omitempty"`
}

// FirstFulfillment returns the first fulfillment of the order or nil.
func (o *Order) FirstFulfillment() *Fulfillment {
	if o == nil || len(o.Fulfillments) == 0 {
		return nil
	}
	return &o.Fulfillments[0]
}

// EndAreaCode returns the delivery area code of the first fulfillment.
func (o *Order) EndAreaCode() string {
	f := o.FirstFulfillment()
	if f == nil || f.End == nil || f.End.Location == nil || f.End.Location.Address == nil {
		return ""
	}
	return f.End.Location.Address.AreaCode
}

// QuoteValue returns the total quoted price value.
func (o *Order) QuoteValue() string {
	if o == nil || o.Quote == nil {
		return ""
	}
	return o.Quote.Price.Value
}

// Count returns the item quantity, zero when absent.
func (i Item) Count() int {
	if i.Quantity == nil {
		return 0
	}
	return i.Quantity.Count
}
