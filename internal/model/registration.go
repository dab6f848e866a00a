package model

import "time"

// Registration field names. These are the arbitrated columns of a registration.
const (
	FieldStatus         = "status"
	FieldRegistrantName = "registrant_name"
	FieldProductName    = "product_name"
	FieldDeviceClass    = "device_class"
	FieldApprovalDate   = "approval_date"
	FieldExpiryDate     = "expiry_date"
)

// RegistrationFields lists the arbitrated fields in a stable order.
var RegistrationFields = []string{
	FieldStatus,
	FieldRegistrantName,
	FieldProductName,
	FieldDeviceClass,
	FieldApprovalDate,
	FieldExpiryDate,
}

// IsRegistrationField reports whether name is an arbitrated registration field.
func IsRegistrationField(name string) bool {
	for _, f := range RegistrationFields {
		if f == name {
			return true
		}
	}
	return false
}

// Registration is the canonical record for one normalized registration number.
type Registration struct {
	ID                 int64           `json:"id"`
	RegistrationNo     string          `json:"registration_no"`
	Status             string          `json:"status,omitempty"`
	RegistrantName     string          `json:"registrant_name,omitempty"`
	RegistrantNameNorm string          `json:"registrant_name_norm,omitempty"`
	ProductName        string          `json:"product_name,omitempty"`
	DeviceClass        string          `json:"device_class,omitempty"`
	ApprovalDate       string          `json:"approval_date,omitempty"`
	ExpiryDate         string          `json:"expiry_date,omitempty"`
	Provenance         FieldProvenance `json:"provenance,omitempty"`
	CreatedBatchID     string          `json:"created_batch_id,omitempty"`
	UpdatedBatchID     string          `json:"updated_batch_id,omitempty"`
	CreatedDay         string          `json:"created_day,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Field returns the stored value of an arbitrated field.
func (r *Registration) Field(name string) string {
	switch name {
	case FieldStatus:
		return r.Status
	case FieldRegistrantName:
		return r.RegistrantName
	case FieldProductName:
		return r.ProductName
	case FieldDeviceClass:
		return r.DeviceClass
	case FieldApprovalDate:
		return r.ApprovalDate
	case FieldExpiryDate:
		return r.ExpiryDate
	default:
		return ""
	}
}

// SetField sets an arbitrated field. Unknown names are ignored.
func (r *Registration) SetField(name, value string) {
	switch name {
	case FieldStatus:
		r.Status = value
	case FieldRegistrantName:
		r.RegistrantName = value
	case FieldProductName:
		r.ProductName = value
	case FieldDeviceClass:
		r.DeviceClass = value
	case FieldApprovalDate:
		r.ApprovalDate = value
	case FieldExpiryDate:
		r.ExpiryDate = value
	}
}
