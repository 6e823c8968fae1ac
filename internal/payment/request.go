// Package payment translates channel parameters into provider request
// objects for the presentation surface and decodes the results it reports.
package payment

// Wire values fixed by the provider.
const (
	ThreeDSecureVersion2  = "2"
	TotalPriceStatusFinal = "FINAL"
)

// PostalAddress is a 3-D Secure postal address.
type PostalAddress struct {
	GivenName         string `json:"givenName,omitempty"`
	Surname           string `json:"surname,omitempty"`
	PhoneNumber       string `json:"phoneNumber,omitempty"`
	StreetAddress     string `json:"streetAddress,omitempty"`
	ExtendedAddress   string `json:"extendedAddress,omitempty"`
	Locality          string `json:"locality,omitempty"`
	Region            string `json:"region,omitempty"`
	PostalCode        string `json:"postalCode,omitempty"`
	CountryCodeAlpha2 string `json:"countryCodeAlpha2,omitempty" validate:"omitempty,len=2,alpha"`
}

// ThreeDSecureAdditionalInformation carries the shipping address.
type ThreeDSecureAdditionalInformation struct {
	ShippingAddress *PostalAddress `json:"shippingAddress,omitempty"`
}

// ThreeDSecureRequest configures card verification inside drop-in.
type ThreeDSecureRequest struct {
	Amount                string                             `json:"amount,omitempty" validate:"omitempty,numeric"`
	VersionRequested      string                             `json:"versionRequested"`
	BillingAddress        *PostalAddress                     `json:"billingAddress,omitempty"`
	AdditionalInformation *ThreeDSecureAdditionalInformation `json:"additionalInformation,omitempty"`
}

// GooglePayRequest configures the Google Pay option.
type GooglePayRequest struct {
	TotalPrice             string `json:"totalPrice" validate:"omitempty,numeric"`
	TotalPriceStatus       string `json:"totalPriceStatus"`
	CurrencyCode           string `json:"currencyCode" validate:"omitempty,len=3"`
	BillingAddressRequired bool   `json:"billingAddressRequired"`
}

// PayPalCheckoutRequest configures the PayPal option inside drop-in.
type PayPalCheckoutRequest struct {
	Amount                      string `json:"amount" validate:"omitempty,numeric"`
	CurrencyCode                string `json:"currencyCode,omitempty" validate:"omitempty,len=3"`
	DisplayName                 string `json:"displayName,omitempty"`
	BillingAgreementDescription string `json:"billingAgreementDescription,omitempty"`
}

// DropInRequest is launched on the surface for the drop-in flow.
type DropInRequest struct {
	Authorization       string                 `json:"authorization" validate:"required"`
	VaultManagerEnabled bool                   `json:"vaultManagerEnabled"`
	MaskCardNumber      bool                   `json:"maskCardNumber"`
	ThreeDSecure        *ThreeDSecureRequest   `json:"threeDSecureRequest,omitempty"`
	GooglePay           *GooglePayRequest      `json:"googlePayRequest,omitempty"`
	PayPal              *PayPalCheckoutRequest `json:"paypalRequest,omitempty"`
	GooglePayDisabled   bool                   `json:"googlePayDisabled"`
	PayPalDisabled      bool                   `json:"paypalDisabled"`
	VenmoDisabled       bool                   `json:"venmoDisabled"`
	CardDisabled        bool                   `json:"cardDisabled"`
}

// CardRequest tokenizes a credit card.
type CardRequest struct {
	Type            string `json:"type"`
	Authorization   string `json:"authorization" validate:"required"`
	CardNumber      string `json:"cardNumber" validate:"required,numeric,min=12,max=19"`
	ExpirationMonth string `json:"expirationMonth,omitempty" validate:"omitempty,numeric,max=2"`
	ExpirationYear  string `json:"expirationYear,omitempty" validate:"omitempty,numeric,max=4"`
	CVV             string `json:"cvv,omitempty" validate:"omitempty,numeric,min=3,max=4"`
	CardholderName  string `json:"cardholderName,omitempty"`
}

// PayPalRequest requests a PayPal nonce outside drop-in.
type PayPalRequest struct {
	Type                        string `json:"type"`
	Authorization               string `json:"authorization" validate:"required"`
	Amount                      string `json:"amount,omitempty" validate:"omitempty,numeric"`
	CurrencyCode                string `json:"currencyCode,omitempty" validate:"omitempty,len=3"`
	DisplayName                 string `json:"displayName,omitempty"`
	PaymentIntent               string `json:"payPalPaymentIntent,omitempty" validate:"omitempty,oneof=authorize sale order"`
	UserAction                  string `json:"payPalPaymentUserAction,omitempty" validate:"omitempty,oneof=default commit"`
	BillingAgreementDescription string `json:"billingAgreementDescription,omitempty"`
}
