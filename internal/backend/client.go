// Package backend is the HTTP gateway to the QuickCheck REST API. It carries
// no logic of its own beyond encoding requests and mapping error responses.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/quickcheck-project/quickcheck-liff/internal/domain"
)

// Observer receives one call per backend request. outcome is "ok", the HTTP
// status code, or "error" for transport failures.
type Observer interface {
	ObserveBackendCall(op, outcome string, d time.Duration)
}

type Client struct {
	baseURL  string
	client   *http.Client
	observer Observer
}

func NewClient(baseURL string, timeout time.Duration, observer Observer) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		observer: observer,
	}
}

type carJSON struct {
	Brand         string  `json:"brand"`
	Model         string  `json:"model"`
	Year          int     `json:"year"`
	LicensePlate  string  `json:"license_plate"`
	ChassisNumber *string `json:"chassis_number"`
	Province      string  `json:"province,omitempty"`
}

func toCarJSON(v domain.Vehicle) carJSON {
	c := carJSON{
		Brand:        v.Brand,
		Model:        v.Model,
		Year:         v.Year,
		LicensePlate: v.LicensePlate,
		Province:     v.Province,
	}
	if chassis := strings.TrimSpace(v.ChassisNumber); chassis != "" {
		c.ChassisNumber = &chassis
	}
	return c
}

func (c carJSON) vehicle() domain.Vehicle {
	v := domain.Vehicle{
		Brand:        c.Brand,
		Model:        c.Model,
		Year:         c.Year,
		LicensePlate: c.LicensePlate,
		Province:     c.Province,
	}
	if c.ChassisNumber != nil {
		v.ChassisNumber = *c.ChassisNumber
	}
	return v
}

// UserDetails is the body of GET /user/{id}.
type UserDetails struct {
	User     domain.User
	Vehicles []domain.Vehicle
}

type Registration struct {
	LineID    string
	FirstName string
	LastName  string
	Consent   bool
	Vehicles  []domain.Vehicle
}

// DamageImage is one file of an assessment upload, in row order.
type DamageImage struct {
	PartType string
	MimeType string
	Filename string
	Body     io.Reader
}

type AssessmentUpload struct {
	LicensePlate string
	Images       []DamageImage
}

// CheckUser reports whether lineID is registered. A 404 is (false, nil); any
// other non-200 response is returned as an *APIError.
func (c *Client) CheckUser(ctx context.Context, lineID string) (bool, error) {
	err := c.doJSON(ctx, "check_user", http.MethodGet, "/check_user/"+url.PathEscape(lineID), nil, nil)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (c *Client) GetUser(ctx context.Context, lineID string) (*UserDetails, error) {
	var body struct {
		User struct {
			ID        int64  `json:"id"`
			FirstName string `json:"first_name"`
			LastName  string `json:"last_name"`
		} `json:"user"`
		Cars []carJSON `json:"cars"`
	}
	if err := c.doJSON(ctx, "get_user", http.MethodGet, "/user/"+url.PathEscape(lineID), nil, &body); err != nil {
		return nil, err
	}

	details := &UserDetails{
		User: domain.User{
			ID:        body.User.ID,
			LineID:    lineID,
			FirstName: body.User.FirstName,
			LastName:  body.User.LastName,
		},
		Vehicles: make([]domain.Vehicle, 0, len(body.Cars)),
	}
	for _, car := range body.Cars {
		details.Vehicles = append(details.Vehicles, car.vehicle())
	}
	return details, nil
}

func (c *Client) Register(ctx context.Context, reg Registration) error {
	cars := make([]carJSON, 0, len(reg.Vehicles))
	for _, v := range reg.Vehicles {
		cars = append(cars, toCarJSON(v))
	}
	payload := map[string]any{
		"line_id":    reg.LineID,
		"first_name": reg.FirstName,
		"last_name":  reg.LastName,
		"consent":    reg.Consent,
		"cars":       cars,
	}
	return c.doJSON(ctx, "register", http.MethodPost, "/register", payload, nil)
}

func (c *Client) AddCars(ctx context.Context, lineID string, vehicles []domain.Vehicle) error {
	cars := make([]carJSON, 0, len(vehicles))
	for _, v := range vehicles {
		cars = append(cars, toCarJSON(v))
	}
	payload := map[string]any{
		"line_id": lineID,
		"cars":    cars,
	}
	return c.doJSON(ctx, "add_cars", http.MethodPost, "/add-cars", payload, nil)
}

// UpdateCar replaces the vehicle stored under plate, which may itself change.
func (c *Client) UpdateCar(ctx context.Context, plate string, v domain.Vehicle) error {
	return c.doJSON(ctx, "update_car", http.MethodPut, "/cars/"+url.PathEscape(plate), toCarJSON(v), nil)
}

func (c *Client) DeleteCar(ctx context.Context, plate string) error {
	return c.doJSON(ctx, "delete_car", http.MethodDelete, "/cars/"+url.PathEscape(plate), nil, nil)
}

// AssessDamage streams the multipart upload and returns the history id.
func (c *Client) AssessDamage(ctx context.Context, upload AssessmentUpload) (string, error) {
	items := make([]map[string]string, 0, len(upload.Images))
	for _, img := range upload.Images {
		items = append(items, map[string]string{"part_type": img.PartType})
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("failed to marshal items: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeAssessment(mw, upload, itemsJSON))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/assess_damage", pr)
	if err != nil {
		pr.Close()
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var body struct {
		HistoryID json.RawMessage `json:"history_id"`
	}
	if err := c.do(req, "assess_damage", &body); err != nil {
		pr.CloseWithError(err)
		return "", err
	}

	id := strings.Trim(string(body.HistoryID), `"`)
	if id == "" || id == "null" {
		return "", fmt.Errorf("backend response has no history_id")
	}
	return id, nil
}

func writeAssessment(mw *multipart.Writer, upload AssessmentUpload, itemsJSON []byte) error {
	if err := mw.WriteField("license_plate", upload.LicensePlate); err != nil {
		return err
	}
	if err := mw.WriteField("items", string(itemsJSON)); err != nil {
		return err
	}
	for i, img := range upload.Images {
		filename := img.Filename
		if filename == "" {
			filename = "image-" + strconv.Itoa(i)
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="images"; filename=%q`, filename))
		h.Set("Content-Type", img.MimeType)
		part, err := mw.CreatePart(h)
		if err != nil {
			return err
		}
		if _, err := io.Copy(part, img.Body); err != nil {
			return fmt.Errorf("failed to copy image %d: %w", i, err)
		}
	}
	return mw.Close()
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, op, out)
}

func (c *Client) do(req *http.Request, op string, out any) error {
	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.observe(op, "error", start)
		return fmt.Errorf("failed to call backend %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.observe(op, strconv.Itoa(resp.StatusCode), start)
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &APIError{StatusCode: resp.StatusCode, Detail: parseDetail(raw)}
	}
	c.observe(op, "ok", start)

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

func (c *Client) observe(op, outcome string, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveBackendCall(op, outcome, time.Since(start))
	}
}
