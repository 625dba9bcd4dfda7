package devices

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	lookupHTTPClientTimeout         = 5 * time.Second
	lookupHTTPDialTimeout           = 2 * time.Second
	lookupHTTPKeepAlive             = 30 * time.Second
	lookupHTTPResponseHeaderTimeout = 3 * time.Second
	lookupHTTPIdleConnTimeout       = 90 * time.Second

	// EurekaPort serves the device setup API.
	EurekaPort = 8008
)

var lookupHTTPTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   lookupHTTPDialTimeout,
		KeepAlive: lookupHTTPKeepAlive,
	}).DialContext,
	ResponseHeaderTimeout: lookupHTTPResponseHeaderTimeout,
	IdleConnTimeout:       lookupHTTPIdleConnTimeout,
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout:   lookupHTTPClientTimeout,
		Transport: lookupHTTPTransport,
	}
}

func newRetryableHTTPClient(retryMax int) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retryMax
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = time.Second
	retryClient.Logger = nil
	retryClient.HTTPClient = newHTTPClient()

	return retryClient.StandardClient()
}

// eurekaURL is swapped in tests.
var eurekaURL = func(host string) string {
	return fmt.Sprintf("http://%s/setup/eureka_info?options=detail", net.JoinHostPort(host, fmt.Sprint(EurekaPort)))
}

// GetEurekaName asks a cast device for its configured name.
func GetEurekaName(ctx context.Context, client *http.Client, host string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, eurekaURL(host), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create NewRequest for GetEurekaName: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send HTTP request for GetEurekaName: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GetEurekaName: unexpected status %s", resp.Status)
	}

	var info struct {
		Name string `json:"name"`
	}

	if err = json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("failed to read response body for GetEurekaName: %w", err)
	}

	if info.Name == "" {
		return "", fmt.Errorf("GetEurekaName: empty name")
	}

	return info.Name, nil
}

// GetFriendlyName returns the friendly name from a UPnP/DIAL device
// description.
func GetFriendlyName(ctx context.Context, client *http.Client, location string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create NewRequest for GetFriendlyName: %w", err)
	}

	req.Header.Set("Connection", "close")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send HTTP request for GetFriendlyName: %w", err)
	}
	defer resp.Body.Close()

	var fn struct {
		FriendlyName string `xml:"device>friendlyName"`
	}

	if err = xml.NewDecoder(resp.Body).Decode(&fn); err != nil {
		return "", fmt.Errorf("failed to read response body for GetFriendlyName: %w", err)
	}

	return fn.FriendlyName, nil
}
