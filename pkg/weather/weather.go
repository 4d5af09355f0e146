// Package weather reads the current temperature shown in the desk header.
package weather

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/tidwall/gjson"

	"github.com/richardartoul/scriptdesk/pkg/loader"
)

// DefaultURL is the forecast endpoint for Rio de Janeiro.
const DefaultURL = "https://api.open-meteo.com/v1/forecast?latitude=-22.9068&longitude=-43.1729&current_weather=true&timezone=America/Sao_Paulo"

// DefaultLocation labels readings from DefaultURL.
const DefaultLocation = "Rio de Janeiro"

// ErrUnavailable is returned when the response carries no temperature, which
// includes the offline payload served by the router.
var ErrUnavailable = errors.New("weather unavailable")

// Loader loads a resource. *loader.Loader implements it.
type Loader interface {
	Load(ctx context.Context, url string, typ loader.Type, opts ...loader.LoadOption) (any, error)
}

// Reading is one temperature reading.
type Reading struct {
	Celsius  float64
	Location string
}

// String formats the reading for the header, e.g. "24°C - Rio de Janeiro".
func (r Reading) String() string {
	return fmt.Sprintf("%d°C - %s", int(math.Round(r.Celsius)), r.Location)
}

// Client fetches readings through a Loader.
type Client struct {
	loader   Loader
	url      string
	location string
}

// New creates a Client. Empty url or location select the defaults.
func New(l Loader, url, location string) *Client {
	if url == "" {
		url = DefaultURL
	}
	if location == "" {
		location = DefaultLocation
	}
	return &Client{loader: l, url: url, location: location}
}

// Current returns the current temperature.
func (c *Client) Current(ctx context.Context) (Reading, error) {
	v, err := c.loader.Load(ctx, c.url, loader.Blob)
	if err != nil {
		return Reading{}, fmt.Errorf("failed to load weather: %w", err)
	}
	temp := gjson.GetBytes(v.([]byte), "current_weather.temperature")
	if temp.Type != gjson.Number {
		return Reading{}, ErrUnavailable
	}
	return Reading{Celsius: temp.Num, Location: c.location}, nil
}
