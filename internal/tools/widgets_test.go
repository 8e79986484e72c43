package tools

import (
	"errors"
	"slices"
	"testing"

	"google.golang.org/genai"
)

func TestWidgets_AllByDefault(t *testing.T) {
	t.Parallel()
	ws, err := Widgets(Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ws) != len(WidgetNames()) {
		t.Fatalf("got %d widgets, want %d", len(ws), len(WidgetNames()))
	}
	for _, w := range ws {
		if w.Declaration.Description == "" {
			t.Errorf("%s has no description", w.Declaration.Name)
		}
		if w.Invoke == nil {
			t.Errorf("%s has no handler", w.Declaration.Name)
		}
	}
}

func TestWidgets_UnknownName(t *testing.T) {
	t.Parallel()
	if _, err := Widgets(Callbacks{}, "show_horoscope"); err == nil {
		t.Error("expected error for unknown widget")
	}
}

func TestWidgets_Schemas(t *testing.T) {
	t.Parallel()
	ws, _ := Widgets(Callbacks{}, RenderAltair, TrafficUpdate, ShowMaiaSocial)

	altair := ws[1].Declaration // table order: altair before traffic
	if altair.Name != RenderAltair {
		t.Fatalf("order: got %s", altair.Name)
	}
	if altair.Parameters.Type != genai.TypeObject || !slices.Equal(altair.Parameters.Required, []string{"json_graph"}) {
		t.Errorf("altair schema = %+v", altair.Parameters)
	}

	traffic := ws[2].Declaration
	if !slices.Equal(traffic.Parameters.Required, []string{"location_query"}) {
		t.Errorf("traffic required = %v", traffic.Parameters.Required)
	}
	if _, ok := traffic.Parameters.Properties["update_type"]; !ok {
		t.Error("traffic schema lacks update_type")
	}

	if ws[0].Declaration.Parameters != nil {
		t.Error("show_maia_social should take no parameters")
	}
}

func TestWidgets_TrafficUpdateTypeValidated(t *testing.T) {
	t.Parallel()
	ws, _ := Widgets(Callbacks{}, TrafficUpdate)
	err := ws[0].Invoke(NewArgs(TrafficUpdate, map[string]any{
		"location_query": "KL to Putrajaya",
		"update_type":    "weather",
	}))
	var ave *ArgumentValidationError
	if !errors.As(err, &ave) || ave.Arg != "update_type" {
		t.Errorf("err = %v, want update_type validation error", err)
	}
}

func TestWidgetFunc_ForwardsNameAndArgs(t *testing.T) {
	t.Parallel()
	type hit struct {
		widget string
		args   map[string]string
	}
	var hits []hit
	cb := WidgetFunc(func(w string, a map[string]string) { hits = append(hits, hit{w, a}) })

	ws, _ := Widgets(cb, SearchSpotify, TrafficUpdate)
	_ = ws[0].Invoke(NewArgs(SearchSpotify, map[string]any{"query": "Siti Nurhaliza"}))
	_ = ws[1].Invoke(NewArgs(TrafficUpdate, map[string]any{"location_query": "near me", "update_type": "incidents"}))

	if len(hits) != 2 {
		t.Fatalf("hits = %d", len(hits))
	}
	if hits[0].widget != SearchSpotify || hits[0].args["query"] != "Siti Nurhaliza" {
		t.Errorf("hit 0 = %+v", hits[0])
	}
	if hits[1].args["update_type"] != "incidents" {
		t.Errorf("hit 1 = %+v", hits[1])
	}
}

func TestArgs(t *testing.T) {
	t.Parallel()
	a := NewArgs("demo", map[string]any{"s": "x", "blank": "  ", "n": 3.0})

	tests := []struct {
		name    string
		fn      func() (string, error)
		want    string
		wantErr bool
	}{
		{"required present", func() (string, error) { return a.String("s") }, "x", false},
		{"required missing", func() (string, error) { return a.String("missing") }, "", true},
		{"required blank", func() (string, error) { return a.String("blank") }, "", true},
		{"required wrong type", func() (string, error) { return a.String("n") }, "", true},
		{"optional missing", func() (string, error) { return a.OptionalString("missing", "d") }, "d", false},
		{"optional blank", func() (string, error) { return a.OptionalString("blank", "d") }, "d", false},
		{"optional wrong type", func() (string, error) { return a.OptionalString("n", "d") }, "", true},
		{"one of ok", func() (string, error) { return a.OneOf("s", "y", "x", "y") }, "x", false},
		{"one of default", func() (string, error) { return a.OneOf("missing", "y", "x", "y") }, "y", false},
		{"one of rejected", func() (string, error) { return a.OneOf("s", "y", "y", "z") }, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.fn()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var ave *ArgumentValidationError
				if !errors.As(err, &ave) || ave.Tool != "demo" {
					t.Errorf("err = %#v, want *ArgumentValidationError for demo", err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
