package docs

import (
	"encoding/json"
	"testing"
)

func TestSwaggerInfoRegistered(t *testing.T) {
	if SwaggerInfo == nil {
		t.Fatal("swagger info not initialized")
	}
	if SwaggerInfo.Title != "Alfalyzer Market Data API" {
		t.Fatalf("unexpected title %q", SwaggerInfo.Title)
	}
}

func TestDocTemplateListsQuoteRoutes(t *testing.T) {
	var doc struct {
		Paths               map[string]json.RawMessage `json:"paths"`
		SecurityDefinitions map[string]json.RawMessage `json:"securityDefinitions"`
	}
	if err := json.Unmarshal([]byte(SwaggerInfo.ReadDoc()), &doc); err != nil {
		t.Fatalf("doc template is not valid JSON: %v", err)
	}
	for _, p := range []string{"/api/quotes/{symbol}", "/api/streams", "/health/kv"} {
		if _, ok := doc.Paths[p]; !ok {
			t.Fatalf("expected path %s in swagger doc", p)
		}
	}
	if _, ok := doc.SecurityDefinitions["ApiKeyAuth"]; !ok {
		t.Fatal("expected ApiKeyAuth security definition")
	}
}
