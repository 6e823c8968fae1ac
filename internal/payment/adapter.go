package payment

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jkaninda/flowgate/internal/channel"
)

// Method names served by the adapters.
const (
	MethodStart              = "start"
	MethodTokenizeCreditCard = "tokenizeCreditCard"
	MethodRequestPaypalNonce = "requestPaypalNonce"
)

// ErrUnknownMethod is returned for a method no adapter serves.
var ErrUnknownMethod = errors.New("unknown payment method")

var validate = validator.New(validator.WithRequiredStructEnabled())

// IdentityToken resolves the drop-in authorization: a client token wins over
// a tokenization key.
func IdentityToken(args channel.Arguments) string {
	return args.StringOr("clientToken", "tokenizationKey", "identityToken")
}

// Authorization resolves the custom flow authorization.
func Authorization(args channel.Arguments) string {
	return args.StringOr("authorization")
}

// DropInAdapter builds DropInRequest values.
type DropInAdapter struct{}

// Build implements flow.Adapter.
func (DropInAdapter) Build(method string, params map[string]any) (any, error) {
	if method != MethodStart {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	return BuildDropInRequest(channel.Arguments(params))
}

// BuildDropInRequest maps drop-in arguments to a DropInRequest.
// Optional booleans default to the provider defaults when absent.
func BuildDropInRequest(args channel.Arguments) (*DropInRequest, error) {
	req := &DropInRequest{
		Authorization:       IdentityToken(args),
		VaultManagerEnabled: args.BoolOr(false, "vaultManagerEnabled", "vaultEnabled"),
		MaskCardNumber:      args.Bool("maskCardNumber", false),
		ThreeDSecure:        buildThreeDSecure(args),
	}

	if gp, ok := args.Map("googlePaymentRequest"); ok {
		req.GooglePay = &GooglePayRequest{
			TotalPrice:             gp.StringOr("totalPrice"),
			TotalPriceStatus:       TotalPriceStatusFinal,
			CurrencyCode:           gp.StringOr("currencyCode"),
			BillingAddressRequired: true,
		}
	} else {
		req.GooglePayDisabled = true
	}

	if pp, ok := args.Map("paypalRequest"); ok {
		req.PayPal = &PayPalCheckoutRequest{
			Amount:                      pp.StringOr("amount"),
			CurrencyCode:                pp.StringOr("currencyCode"),
			DisplayName:                 pp.StringOr("displayName"),
			BillingAgreementDescription: pp.StringOr("billingAgreementDescription"),
		}
	} else {
		req.PayPalDisabled = true
	}

	if !args.Bool("venmoEnabled", true) {
		req.VenmoDisabled = true
	}
	if !args.Bool("cardEnabled", true) {
		req.CardDisabled = true
	}
	if !args.Bool("paypalEnabled", true) {
		req.PayPalDisabled = true
	}

	if err := validateRequest(req); err != nil {
		return nil, err
	}
	return req, nil
}

func buildThreeDSecure(args channel.Arguments) *ThreeDSecureRequest {
	tds := &ThreeDSecureRequest{
		Amount:           args.StringOr("amount", "amountMinor"),
		VersionRequested: ThreeDSecureVersion2,
	}
	if ba, ok := args.Map("billingAddress"); ok {
		addr := &PostalAddress{
			GivenName:         ba.StringOr("givenName"),
			Surname:           ba.StringOr("surname"),
			PhoneNumber:       ba.StringOr("phoneNumber"),
			StreetAddress:     ba.StringOr("streetAddress"),
			ExtendedAddress:   ba.StringOr("extendedAddress"),
			Locality:          ba.StringOr("locality"),
			Region:            ba.StringOr("region"),
			PostalCode:        ba.StringOr("postalCode"),
			CountryCodeAlpha2: ba.StringOr("countryCodeAlpha2"),
		}
		tds.BillingAddress = addr
		tds.AdditionalInformation = &ThreeDSecureAdditionalInformation{ShippingAddress: addr}
	}
	return tds
}

// CustomAdapter builds CardRequest and PayPalRequest values.
type CustomAdapter struct{}

// Build implements flow.Adapter.
func (CustomAdapter) Build(method string, params map[string]any) (any, error) {
	args := channel.Arguments(params)
	switch method {
	case MethodTokenizeCreditCard:
		return BuildCardRequest(args)
	case MethodRequestPaypalNonce:
		return BuildPayPalRequest(args)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
}

// Serves reports whether the custom adapter handles method.
func (CustomAdapter) Serves(method string) bool {
	return method == MethodTokenizeCreditCard || method == MethodRequestPaypalNonce
}

// requestArgs returns the nested "request" map when present, else args.
func requestArgs(args channel.Arguments) channel.Arguments {
	if nested, ok := args.Map("request"); ok {
		return nested
	}
	return args
}

// BuildCardRequest maps tokenizeCreditCard arguments to a CardRequest.
func BuildCardRequest(args channel.Arguments) (*CardRequest, error) {
	r := requestArgs(args)
	req := &CardRequest{
		Type:            MethodTokenizeCreditCard,
		Authorization:   Authorization(args),
		CardNumber:      strings.ReplaceAll(r.StringOr("cardNumber"), " ", ""),
		ExpirationMonth: r.StringOr("expirationMonth"),
		ExpirationYear:  r.StringOr("expirationYear"),
		CVV:             r.StringOr("cvv"),
		CardholderName:  r.StringOr("cardholderName"),
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	return req, nil
}

// BuildPayPalRequest maps requestPaypalNonce arguments to a PayPalRequest.
func BuildPayPalRequest(args channel.Arguments) (*PayPalRequest, error) {
	r := requestArgs(args)
	req := &PayPalRequest{
		Type:                        MethodRequestPaypalNonce,
		Authorization:               Authorization(args),
		Amount:                      r.StringOr("amount"),
		CurrencyCode:                r.StringOr("currencyCode"),
		DisplayName:                 r.StringOr("displayName"),
		PaymentIntent:               r.StringOr("payPalPaymentIntent"),
		UserAction:                  r.StringOr("payPalPaymentUserAction"),
		BillingAgreementDescription: r.StringOr("billingAgreementDescription"),
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	return req, nil
}

// ValidationError lists the fields that failed validation.
type ValidationError struct {
	Fields []string
	msg    string
}

func (e *ValidationError) Error() string { return e.msg }

func validateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	ve := &ValidationError{}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		ve.Fields = append(ve.Fields, fe.Namespace())
		msgs = append(msgs, formatFieldError(fe))
	}
	ve.msg = strings.Join(msgs, "; ")
	return ve
}

func formatFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "numeric":
		return fmt.Sprintf("%s must be numeric", field)
	case "len":
		return fmt.Sprintf("%s must be %s characters", field, fe.Param())
	case "min", "max":
		return fmt.Sprintf("%s has invalid length", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}
