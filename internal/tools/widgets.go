package tools

import (
	"fmt"
	"slices"

	"google.golang.org/genai"
)

// Widget tool names.
const (
	ShowWeather     = "show_weather"
	ShowTraffic     = "show_traffic"
	ShowMap         = "show_map"
	SearchYouTube   = "search_youtube"
	StartNavigation = "start_navigation"
	SearchSpotify   = "search_spotify"
	SearchIPTV      = "search_iptv"
	GenerateImage   = "generate_image"
	ShowMaiaSocial  = "show_maia_social"
	RenderAltair    = "render_altair"
	TrafficUpdate   = "get_traffic_update"
)

const (
	// MessageSuccess acknowledges every call without a dedicated message,
	// including calls to unknown tools.
	MessageSuccess = "Function executed successfully"

	// MessageTrafficQuery acknowledges get_traffic_update; the model then
	// answers through search grounding.
	MessageTrafficQuery = "Traffic query processed, searching for real-time traffic data..."
)

// Traffic update kinds accepted by get_traffic_update.
var trafficUpdateTypes = []string{"current", "route", "incidents", "general"}

// Callbacks are the UI side effects the widget tools trigger. Nil fields are
// skipped; the call is still acknowledged.
type Callbacks struct {
	OnShowWeather       func(location string)
	OnShowTraffic       func(location string)
	OnShowMap           func(location string)
	OnShowYouTube       func(query string)
	OnNavigationRequest func(destination string)
	OnShowSpotify       func(query string)
	OnShowIPTV          func(query string)
	OnGenerateImage     func(prompt string)
	OnShowMaiaSocial    func()
	OnRenderAltair      func(jsonGraph string)
	OnTrafficUpdate     func(locationQuery, updateType string)
}

// WidgetFunc adapts a single generic sink into [Callbacks]. Every widget
// call reaches fn with the widget name and its validated arguments.
func WidgetFunc(fn func(widget string, args map[string]string)) Callbacks {
	one := func(widget, key string) func(string) {
		return func(v string) { fn(widget, map[string]string{key: v}) }
	}
	return Callbacks{
		OnShowWeather:       one(ShowWeather, "location"),
		OnShowTraffic:       one(ShowTraffic, "location"),
		OnShowMap:           one(ShowMap, "location"),
		OnShowYouTube:       one(SearchYouTube, "query"),
		OnNavigationRequest: one(StartNavigation, "destination"),
		OnShowSpotify:       one(SearchSpotify, "query"),
		OnShowIPTV:          one(SearchIPTV, "query"),
		OnGenerateImage:     one(GenerateImage, "prompt"),
		OnShowMaiaSocial:    func() { fn(ShowMaiaSocial, map[string]string{}) },
		OnRenderAltair:      one(RenderAltair, "json_graph"),
		OnTrafficUpdate: func(q, kind string) {
			fn(TrafficUpdate, map[string]string{"location_query": q, "update_type": kind})
		},
	}
}

// ── Declarations ──────────────────────────────────────────────────────────────

type param struct {
	name, description string
	required          bool
}

func declare(name, description string, params ...param) *genai.FunctionDeclaration {
	d := &genai.FunctionDeclaration{Name: name, Description: description}
	if len(params) == 0 {
		return d
	}
	schema := &genai.Schema{Type: genai.TypeObject, Properties: make(map[string]*genai.Schema, len(params))}
	for _, p := range params {
		schema.Properties[p.name] = &genai.Schema{Type: genai.TypeString, Description: p.description}
		if p.required {
			schema.Required = append(schema.Required, p.name)
		}
	}
	d.Parameters = schema
	return d
}

// stringWidget builds a tool with one required string argument forwarded to
// the callback selected by pick.
func stringWidget(name, description, arg, argDesc string, pick func(Callbacks) func(string)) widget {
	return widget{
		decl: declare(name, description, param{arg, argDesc, true}),
		bind: func(cb Callbacks) func(Args) error {
			return func(a Args) error {
				v, err := a.String(arg)
				if err != nil {
					return err
				}
				if fn := pick(cb); fn != nil {
					fn(v)
				}
				return nil
			}
		},
	}
}

type widget struct {
	decl    *genai.FunctionDeclaration
	message string
	bind    func(Callbacks) func(Args) error
}

var widgetTable = []widget{
	stringWidget(ShowWeather, "Shows a weather widget with the current conditions and forecast for a location.",
		"location", "City or place to show the weather for", func(c Callbacks) func(string) { return c.OnShowWeather }),
	stringWidget(ShowTraffic, "Shows a live traffic widget for a location.",
		"location", "City, road or area to show traffic for", func(c Callbacks) func(string) { return c.OnShowTraffic }),
	stringWidget(ShowMap, "Shows an interactive map centred on a location.",
		"location", "Place or address to show on the map", func(c Callbacks) func(string) { return c.OnShowMap }),
	stringWidget(SearchYouTube, "Searches YouTube and shows the results in a video widget.",
		"query", "Search terms for the video", func(c Callbacks) func(string) { return c.OnShowYouTube }),
	stringWidget(StartNavigation, "Starts turn-by-turn navigation to a destination.",
		"destination", "Destination address or place name", func(c Callbacks) func(string) { return c.OnNavigationRequest }),
	stringWidget(SearchSpotify, "Searches Spotify for music and shows a player widget.",
		"query", "Song, artist, album or playlist to search for", func(c Callbacks) func(string) { return c.OnShowSpotify }),
	stringWidget(SearchIPTV, "Searches IPTV channels and shows a TV player widget.",
		"query", "Channel name, country or category", func(c Callbacks) func(string) { return c.OnShowIPTV }),
	stringWidget(GenerateImage, "Generates an image from a text prompt and shows it.",
		"prompt", "Description of the image to generate", func(c Callbacks) func(string) { return c.OnGenerateImage }),
	{
		decl: declare(ShowMaiaSocial, "Shows Maia's social media profiles."),
		bind: func(cb Callbacks) func(Args) error {
			return func(Args) error {
				if cb.OnShowMaiaSocial != nil {
					cb.OnShowMaiaSocial()
				}
				return nil
			}
		},
	},
	stringWidget(RenderAltair, "Displays an altair graph in json format.",
		"json_graph", "JSON STRING representation of the graph to render. Must be a string, not a json object",
		func(c Callbacks) func(string) { return c.OnRenderAltair }),
	{
		decl: declare(TrafficUpdate,
			"Get real-time traffic information for the user's current location or a specified route.",
			param{"location_query", "Traffic query for the user's location or route (e.g., 'traffic near me', 'traffic from A to B')", true},
			param{"update_type", "Type of traffic update: 'current', 'route', 'incidents', or 'general'", false},
		),
		message: MessageTrafficQuery,
		bind: func(cb Callbacks) func(Args) error {
			return func(a Args) error {
				q, err := a.String("location_query")
				if err != nil {
					return err
				}
				kind, err := a.OneOf("update_type", "current", trafficUpdateTypes...)
				if err != nil {
					return err
				}
				if cb.OnTrafficUpdate != nil {
					cb.OnTrafficUpdate(q, kind)
				}
				return nil
			}
		},
	},
}

// WidgetNames lists every widget tool in declaration order.
func WidgetNames() []string {
	names := make([]string, len(widgetTable))
	for i, w := range widgetTable {
		names[i] = w.decl.Name
	}
	return names
}

// Widgets binds the widget tools to cb. With no names every widget is
// enabled; otherwise only the named ones, in table order.
func Widgets(cb Callbacks, enabled ...string) ([]Tool, error) {
	known := WidgetNames()
	for _, n := range enabled {
		if !slices.Contains(known, n) {
			return nil, fmt.Errorf("tools: unknown widget %q", n)
		}
	}

	out := make([]Tool, 0, len(widgetTable))
	for _, w := range widgetTable {
		if len(enabled) > 0 && !slices.Contains(enabled, w.decl.Name) {
			continue
		}
		out = append(out, Tool{
			Declaration: w.decl,
			Message:     w.message,
			Invoke:      w.bind(cb),
		})
	}
	return out, nil
}
