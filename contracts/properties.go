package contracts

import "time"

// Table holds AMQP field-table values (headers, queue and consumer arguments)
type Table map[string]interface{}

// Delivery modes
const (
	Transient  uint8 = 1
	Persistent uint8 = 2
)

// Properties are the basic content-header properties of a message
type Properties struct {
	ContentType     string
	ContentEncoding string
	Headers         Table
	DeliveryMode    uint8
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Timestamp       time.Time
	Type            string
	UserID          string
	AppID           string
}

// Clone returns a copy of the properties with its own header table
func (p Properties) Clone() Properties {
	if p.Headers != nil {
		headers := make(Table, len(p.Headers))
		for k, v := range p.Headers {
			headers[k] = v
		}
		p.Headers = headers
	}
	return p
}
