// Package client has one function per mint endpoint the wallet talks to.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nutdo/nutdo/cashu"
	"github.com/nutdo/nutdo/cashu/nuts/nut01"
	"github.com/nutdo/nutdo/cashu/nuts/nut02"
	"github.com/nutdo/nutdo/cashu/nuts/nut03"
	"github.com/nutdo/nutdo/cashu/nuts/nut04"
	"github.com/nutdo/nutdo/cashu/nuts/nut05"
	"github.com/nutdo/nutdo/cashu/nuts/nut06"
	"github.com/nutdo/nutdo/cashu/nuts/nut07"
	"github.com/nutdo/nutdo/cashu/nuts/nut09"
)

var httpClient = &http.Client{Timeout: time.Minute}

// NetworkError is returned when the mint could not be reached.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("could not reach mint at %v: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError is returned when the mint did not answer in time.
type TimeoutError struct {
	URL string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to %v timed out: %v", e.URL, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// IsOfflineError reports whether err comes from the transport
// rather than from the mint rejecting the request.
func IsOfflineError(err error) bool {
	if err == nil {
		return false
	}
	var networkErr *NetworkError
	if errors.As(err, &networkErr) {
		return true
	}
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}

// IsOfflineMessage classifies an error that was stored as text,
// like the last error recorded for a pending token.
func IsOfflineMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, keyword := range []string{"could not reach mint", "timed out", "network", "offline", "connection refused"} {
		if strings.Contains(msg, keyword) {
			return true
		}
	}
	return false
}

func GetMintInfo(ctx context.Context, mintURL string) (*nut06.MintInfo, error) {
	var mintInfo nut06.MintInfo
	if err := get(ctx, mintURL+"/v1/info", &mintInfo); err != nil {
		return nil, err
	}
	return &mintInfo, nil
}

func GetActiveKeysets(ctx context.Context, mintURL string) (*nut01.GetKeysResponse, error) {
	var keysetRes nut01.GetKeysResponse
	if err := get(ctx, mintURL+"/v1/keys", &keysetRes); err != nil {
		return nil, err
	}
	return &keysetRes, nil
}

func GetAllKeysets(ctx context.Context, mintURL string) (*nut02.GetKeysetsResponse, error) {
	var keysetsRes nut02.GetKeysetsResponse
	if err := get(ctx, mintURL+"/v1/keysets", &keysetsRes); err != nil {
		return nil, err
	}
	return &keysetsRes, nil
}

func GetKeysetById(ctx context.Context, mintURL, id string) (*nut01.GetKeysResponse, error) {
	var keysetRes nut01.GetKeysResponse
	if err := get(ctx, mintURL+"/v1/keys/"+id, &keysetRes); err != nil {
		return nil, err
	}
	return &keysetRes, nil
}

func PostMintQuoteBolt11(ctx context.Context, mintURL string, mintQuoteRequest nut04.PostMintQuoteBolt11Request) (
	*nut04.PostMintQuoteBolt11Response, error) {
	var reqMintResponse nut04.PostMintQuoteBolt11Response
	if err := post(ctx, mintURL+"/v1/mint/quote/bolt11", mintQuoteRequest, &reqMintResponse); err != nil {
		return nil, err
	}
	return &reqMintResponse, nil
}

func GetMintQuoteState(ctx context.Context, mintURL, quoteId string) (*nut04.PostMintQuoteBolt11Response, error) {
	var mintQuoteResponse nut04.PostMintQuoteBolt11Response
	if err := get(ctx, mintURL+"/v1/mint/quote/bolt11/"+quoteId, &mintQuoteResponse); err != nil {
		return nil, err
	}
	return &mintQuoteResponse, nil
}

func PostMintBolt11(ctx context.Context, mintURL string, mintRequest nut04.PostMintBolt11Request) (
	*nut04.PostMintBolt11Response, error) {
	var mintResponse nut04.PostMintBolt11Response
	if err := post(ctx, mintURL+"/v1/mint/bolt11", mintRequest, &mintResponse); err != nil {
		return nil, err
	}
	return &mintResponse, nil
}

func PostSwap(ctx context.Context, mintURL string, swapRequest nut03.PostSwapRequest) (*nut03.PostSwapResponse, error) {
	var swapResponse nut03.PostSwapResponse
	if err := post(ctx, mintURL+"/v1/swap", swapRequest, &swapResponse); err != nil {
		return nil, err
	}
	return &swapResponse, nil
}

func PostMeltQuoteBolt11(ctx context.Context, mintURL string, meltQuoteRequest nut05.PostMeltQuoteBolt11Request) (
	*nut05.PostMeltQuoteBolt11Response, error) {
	var meltQuoteResponse nut05.PostMeltQuoteBolt11Response
	if err := post(ctx, mintURL+"/v1/melt/quote/bolt11", meltQuoteRequest, &meltQuoteResponse); err != nil {
		return nil, err
	}
	return &meltQuoteResponse, nil
}

func GetMeltQuoteState(ctx context.Context, mintURL, quoteId string) (*nut05.PostMeltQuoteBolt11Response, error) {
	var meltQuoteResponse nut05.PostMeltQuoteBolt11Response
	if err := get(ctx, mintURL+"/v1/melt/quote/bolt11/"+quoteId, &meltQuoteResponse); err != nil {
		return nil, err
	}
	return &meltQuoteResponse, nil
}

func PostMeltBolt11(ctx context.Context, mintURL string, meltRequest nut05.PostMeltBolt11Request) (
	*nut05.PostMeltQuoteBolt11Response, error) {
	var meltResponse nut05.PostMeltQuoteBolt11Response
	if err := post(ctx, mintURL+"/v1/melt/bolt11", meltRequest, &meltResponse); err != nil {
		return nil, err
	}
	return &meltResponse, nil
}

func PostCheckProofState(ctx context.Context, mintURL string, stateRequest nut07.PostCheckStateRequest) (
	*nut07.PostCheckStateResponse, error) {
	var stateResponse nut07.PostCheckStateResponse
	if err := post(ctx, mintURL+"/v1/checkstate", stateRequest, &stateResponse); err != nil {
		return nil, err
	}
	return &stateResponse, nil
}

func PostRestore(ctx context.Context, mintURL string, restoreRequest nut09.PostRestoreRequest) (
	*nut09.PostRestoreResponse, error) {
	var restoreResponse nut09.PostRestoreResponse
	if err := post(ctx, mintURL+"/v1/restore", restoreRequest, &restoreResponse); err != nil {
		return nil, err
	}
	return &restoreResponse, nil
}

func get(ctx context.Context, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(req, dst)
}

func post(ctx context.Context, url string, body any, dst any) error {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("json.Marshal: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(requestBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, dst)
}

func do(req *http.Request, dst any) error {
	url := req.URL.String()

	resp, err := httpClient.Do(req)
	if err != nil {
		return transportError(url, err)
	}
	defer resp.Body.Close()

	if err := parse(url, resp); err != nil {
		return err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(url, err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("error reading response from mint: %v", err)
	}
	return nil
}

func transportError(url string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{URL: url, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{URL: url, Err: err}
	}
	return &NetworkError{URL: url, Err: err}
}

func parse(url string, response *http.Response) error {
	if response.StatusCode == http.StatusBadRequest {
		var errResponse cashu.Error
		if err := json.NewDecoder(response.Body).Decode(&errResponse); err != nil {
			return fmt.Errorf("could not decode error response from mint: %v", err)
		}
		return errResponse
	}

	switch response.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &NetworkError{URL: url, Err: fmt.Errorf("mint unavailable: %v", response.Status)}
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("%s", body)
}
