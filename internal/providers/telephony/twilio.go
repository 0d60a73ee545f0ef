package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const DefaultTwilioBaseURL = "https://api.twilio.com/2010-04-01"

// APIError is a non-2xx answer from the Twilio REST API.
type APIError struct {
	Status  int    `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twilio: status %d code %d: %s", e.Status, e.Code, e.Message)
}

type Twilio struct {
	AccountSID string
	AuthToken  string
	From       string
	// TwiMLURL is fetched by Twilio when the callee answers.
	TwiMLURL string
	BaseURL  string
	HTTP     *http.Client
}

func NewTwilio(accountSID, authToken, from, twimlURL string) *Twilio {
	return &Twilio{
		AccountSID: accountSID,
		AuthToken:  authToken,
		From:       from,
		TwiMLURL:   twimlURL,
		BaseURL:    DefaultTwilioBaseURL,
		HTTP:       &http.Client{Timeout: 15 * time.Second},
	}
}

func (t *Twilio) PlaceCall(ctx context.Context, to string) (string, error) {
	if strings.TrimSpace(to) == "" {
		return "", errors.New("twilio: empty destination number")
	}
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", t.From)
	form.Set("Url", t.TwiMLURL)
	form.Set("Record", "true")

	var out struct {
		SID string `json:"sid"`
	}
	err := t.do(ctx, http.MethodPost, t.accountURL("/Calls.json"), strings.NewReader(form.Encode()), &out)
	if err != nil {
		return "", err
	}
	if out.SID == "" {
		return "", errors.New("twilio: call created without sid")
	}
	return out.SID, nil
}

func (t *Twilio) GetRecordings(ctx context.Context, callID string) ([]Recording, error) {
	var out struct {
		Recordings []struct {
			SID      string `json:"sid"`
			CallSID  string `json:"call_sid"`
			Duration string `json:"duration"`
		} `json:"recordings"`
	}
	if err := t.do(ctx, http.MethodGet, t.accountURL("/Calls/"+url.PathEscape(callID)+"/Recordings.json"), nil, &out); err != nil {
		return nil, err
	}
	recs := make([]Recording, 0, len(out.Recordings))
	for _, r := range out.Recordings {
		d, _ := strconv.Atoi(r.Duration)
		recs = append(recs, Recording{
			SID:      r.SID,
			CallSID:  r.CallSID,
			Duration: d,
			URL:      t.accountURL("/Recordings/" + url.PathEscape(r.SID) + ".wav"),
		})
	}
	return recs, nil
}

func (t *Twilio) FetchRecording(ctx context.Context, rec Recording) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.URL, nil)
	if err != nil {
		return nil, "", err
	}
	req.SetBasicAuth(t.AccountSID, t.AuthToken)
	resp, err := t.client().Do(req)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, "", decodeAPIError(resp)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "audio/wav"
	}
	return resp.Body, ct, nil
}

func (t *Twilio) accountURL(path string) string {
	base := t.BaseURL
	if base == "" {
		base = DefaultTwilioBaseURL
	}
	return strings.TrimRight(base, "/") + "/Accounts/" + url.PathEscape(t.AccountSID) + path
}

func (t *Twilio) client() *http.Client {
	if t.HTTP != nil {
		return t.HTTP
	}
	return http.DefaultClient
}

func (t *Twilio) do(ctx context.Context, method, u string, body io.Reader, dst any) error {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(t.AccountSID, t.AuthToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := t.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return decodeAPIError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(b, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(b))
	}
	apiErr.Status = resp.StatusCode
	return apiErr
}
