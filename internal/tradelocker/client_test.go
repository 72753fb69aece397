package tradelocker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tidwall/gjson"
)

func TestClient_AllAccounts_EnvelopeAndRaw(t *testing.T) {
	accounts := []map[string]any{
		{"id": "100", "accNum": "1", "name": "Main", "currency": "USD"},
		{"id": "200", "accNum": "2", "name": "Hedge", "currency": "EUR"},
	}

	for name, payload := range map[string]any{
		"envelope": map[string]any{"d": map[string]any{"accounts": accounts}},
		"raw":      map[string]any{"accounts": accounts},
	} {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/auth/jwt/all-accounts" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				if got := r.Header.Get("Authorization"); got != "Bearer tok" {
					t.Errorf("expected bearer header, got %q", got)
				}
				json.NewEncoder(w).Encode(payload)
			}))
			defer server.Close()

			client := NewClient()
			got, err := client.AllAccounts(context.Background(), server.URL, "tok")
			if err != nil {
				t.Fatalf("AllAccounts: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("expected 2 accounts, got %d", len(got))
			}
			if got[0].ID != "100" || got[1].Currency != "EUR" {
				t.Errorf("unexpected accounts: %+v", got)
			}
		})
	}
}

func TestClient_Config_ColumnOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("accNum"); got != "3" {
			t.Errorf("expected accNum header 3, got %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"d": map[string]any{
				"ordersConfig": map[string]any{
					"columns": []map[string]any{{"id": "id"}, {"id": "qty"}, {"id": "price"}},
				},
				"positionsConfig": map[string]any{
					"columns": []map[string]any{{"id": "id"}, {"id": "side"}},
				},
			},
		})
	}))
	defer server.Close()

	client := NewClient()
	schema, err := client.Config(context.Background(), server.URL, "tok", "3")
	if err != nil {
		t.Fatalf("Config: %v", err)
	}

	want := []string{"id", "qty", "price"}
	if len(schema.Orders) != len(want) {
		t.Fatalf("expected %d order columns, got %d", len(want), len(schema.Orders))
	}
	for i, id := range want {
		if schema.Orders[i] != id {
			t.Errorf("column %d: expected %s, got %s", i, id, schema.Orders[i])
		}
	}
	if len(schema.OrdersHistory) != 0 {
		t.Errorf("missing panel should yield empty columns, got %v", schema.OrdersHistory)
	}
}

func TestClient_Orders_PositionalRows(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/trade/accounts/100/orders" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"d": map[string]any{
				"orders": [][]any{
					{"ord-1", "EURUSD", 1.5},
					{"ord-2", "GBPUSD", 2.0},
				},
			},
		})
	}))
	defer server.Close()

	client := NewClient()
	rows, err := client.Orders(context.Background(), server.URL, "tok", "1", "100")
	if err != nil {
		t.Fatalf("Orders: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	first, ok := rows[0].([]any)
	if !ok {
		t.Fatalf("expected positional row, got %T", rows[0])
	}
	if first[0] != "ord-1" {
		t.Errorf("unexpected first row: %v", first)
	}
}

func TestClient_AuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"token expired"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient()
	_, err := client.AllAccounts(context.Background(), server.URL, "stale")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsAuthError(err) {
		t.Errorf("expected auth error, got %v", err)
	}
}

func TestClient_History_ResolutionAndWindow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("resolution") != "1m" || q.Get("routeId") != "r9" {
			t.Errorf("unexpected query: %v", q)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"d": map[string]any{
				"barDetails": []map[string]any{
					{"t": 1000, "o": 1.0, "h": 2.0, "l": 0.5, "c": 1.5, "v": 10.0},
				},
			},
		})
	}))
	defer server.Close()

	client := NewClient()
	bars, err := client.History(context.Background(), server.URL, "tok", "1", "r9", "inst-1", "1m", 0, 2000)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(bars) != 1 || bars[0].T != 1000000 {
		t.Fatalf("unexpected bars: %+v", bars)
	}
	if bars[0].C != 1.5 {
		t.Errorf("expected close 1.5, got %f", bars[0].C)
	}
}

func TestExtractJWTHost(t *testing.T) {
	payload, _ := json.Marshal(map[string]any{"host": "https://live.broker.example/"})
	token := "eyJhbGciOiJIUzI1NiJ9." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"

	host, err := ExtractJWTHost(token)
	if err != nil {
		t.Fatalf("ExtractJWTHost: %v", err)
	}
	if host != "live.broker.example" {
		t.Errorf("expected live.broker.example, got %s", host)
	}

	if _, err := ExtractJWTHost("not-a-jwt"); err == nil {
		t.Error("expected error for malformed token")
	}
}

func TestParseTimestampMs(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{`1700000000000`, 1700000000000}, // already ms
		{`1700000000`, 1700000000000},    // seconds
		{`"2023-11-14T22:13:20Z"`, 1700000000000},
		{`0`, 0},
	}
	for _, tc := range cases {
		got := parseTimestampMs(gjson.Parse(tc.in))
		if got != tc.want {
			t.Errorf("parseTimestampMs(%s): expected %d, got %d", tc.in, tc.want, got)
		}
	}
}
