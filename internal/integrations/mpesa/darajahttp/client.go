package darajahttp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rodneydean/kaimosi-pay/internal/integrations/mpesa"
)

// Client talks to the Daraja STK push API.
type Client struct {
	baseURL     string
	shortCode   string
	passkey     string
	callbackURL string

	httpc  *http.Client
	tokens *tokenSource
	now    func() time.Time
}

type Options struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
}

func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://sandbox.safaricom.co.ke"
	}
	httpc := &http.Client{Timeout: 30 * time.Second}
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		shortCode:   opts.ShortCode,
		passkey:     opts.Passkey,
		callbackURL: opts.CallbackURL,
		httpc:       httpc,
		tokens:      newTokenSource(strings.TrimRight(opts.BaseURL, "/"), opts.ConsumerKey, opts.ConsumerSecret, httpc),
		now:         time.Now,
	}
}

// password derives the request password: base64 of short code, passkey
// and the request timestamp concatenated, per the provider scheme.
func (c *Client) password(ts string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.shortCode + c.passkey + ts))
}

type stkPushReq struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResp struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`

	// Error envelope for 4xx responses.
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (c *Client) InitiatePayment(ctx context.Context, req mpesa.InitiateRequest) (mpesa.InitiateResult, error) {
	phone, err := req.Validate()
	if err != nil {
		return mpesa.InitiateResult{}, err
	}

	ts := c.now().UTC().Format("20060102150405")
	desc := req.Description
	if desc == "" {
		desc = "Order " + req.OrderNumber
	}
	// Daraja takes whole shillings.
	amount := strconv.FormatInt((req.AmountCents+99)/100, 10)

	body := stkPushReq{
		BusinessShortCode: c.shortCode,
		Password:          c.password(ts),
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount,
		PartyA:            phone,
		PartyB:            c.shortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.callbackURL,
		AccountReference:  req.OrderNumber,
		TransactionDesc:   desc,
	}

	var out stkPushResp
	if err := c.post(ctx, "/mpesa/stkpush/v1/processrequest", body, &out); err != nil {
		return mpesa.InitiateResult{}, err
	}

	if out.ErrorCode != "" {
		// Request-level rejection, distinct from a later callback
		// failure: no request id was issued, nothing to reconcile.
		return mpesa.InitiateResult{
			Accepted: false,
			Message:  fmt.Sprintf("%s: %s", out.ErrorCode, out.ErrorMessage),
		}, nil
	}
	if out.ResponseCode != "0" {
		return mpesa.InitiateResult{
			Accepted: false,
			Message:  out.ResponseDescription,
		}, nil
	}

	return mpesa.InitiateResult{
		Accepted:          true,
		Message:           out.CustomerMessage,
		MerchantRequestID: out.MerchantRequestID,
		CheckoutRequestID: out.CheckoutRequestID,
	}, nil
}

type stkQueryResp struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`

	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (c *Client) CheckStatus(ctx context.Context, checkoutRequestID string) (mpesa.StatusResult, error) {
	ts := c.now().UTC().Format("20060102150405")
	body := map[string]string{
		"BusinessShortCode": c.shortCode,
		"Password":          c.password(ts),
		"Timestamp":         ts,
		"CheckoutRequestID": checkoutRequestID,
	}

	var out stkQueryResp
	if err := c.post(ctx, "/mpesa/stkpushquery/v1/query", body, &out); err != nil {
		return mpesa.StatusResult{}, err
	}

	// "The transaction is being processed" comes back as an error
	// envelope while the prompt is still open on the payer's phone.
	if out.ErrorCode != "" {
		if strings.Contains(strings.ToLower(out.ErrorMessage), "being processed") {
			return mpesa.StatusResult{Status: mpesa.StatusPending, ResultDesc: out.ErrorMessage}, nil
		}
		return mpesa.StatusResult{}, fmt.Errorf("stkpushquery %s: %s", out.ErrorCode, out.ErrorMessage)
	}

	code, err := strconv.Atoi(out.ResultCode)
	if err != nil {
		return mpesa.StatusResult{}, errors.Wrapf(err, "bad ResultCode %q", out.ResultCode)
	}

	res := mpesa.StatusResult{ResultCode: code, ResultDesc: out.ResultDesc}
	switch code {
	case 0:
		res.Status = mpesa.StatusCompleted
	case 1037: // DS timeout: prompt never reached or never answered
		res.Status = mpesa.StatusTimeout
	default:
		res.Status = mpesa.StatusFailed
	}
	return res, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return errors.Wrap(err, "get token")
	}

	b, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	// Daraja reports request-level rejections as 4xx with a JSON error
	// envelope; decode those instead of failing on status alone.
	if resp.StatusCode/100 != 2 && resp.StatusCode/100 != 4 {
		return fmt.Errorf("daraja http %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}
