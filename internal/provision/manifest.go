package provision

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/url"
	"strconv"
	"strings"
)

// ManifestVersion is the Teams app manifest schema version produced.
const ManifestVersion = "1.16"

const manifestSchema = "https://developer.microsoft.com/en-us/json-schemas/teams/v1.16/MicrosoftTeams.schema.json"

// Icon sizes required by the Teams store.
const (
	ColorIconSize   = 192
	OutlineIconSize = 32
)

// ManifestOptions describes the app package for one bot.
type ManifestOptions struct {
	AppID            string `json:"msaAppId"`
	Name             string `json:"name"`
	ShortDescription string `json:"shortDescription,omitempty"`
	FullDescription  string `json:"fullDescription,omitempty"`
	DeveloperName    string `json:"developerName,omitempty"`
	WebsiteURL       string `json:"websiteUrl,omitempty"`
	AccentColor      string `json:"accentColor,omitempty"` // "#RRGGBB"
	Version          string `json:"version,omitempty"`
}

// Manifest is the subset of the Teams app manifest that teamsforge emits.
type Manifest struct {
	Schema          string            `json:"$schema"`
	ManifestVersion string            `json:"manifestVersion"`
	Version         string            `json:"version"`
	ID              string            `json:"id"`
	Developer       ManifestDeveloper `json:"developer"`
	Name            ManifestText      `json:"name"`
	Description     ManifestText      `json:"description"`
	Icons           ManifestIcons     `json:"icons"`
	AccentColor     string            `json:"accentColor"`
	Bots            []ManifestBot     `json:"bots"`
	Permissions     []string          `json:"permissions"`
	ValidDomains    []string          `json:"validDomains"`
}

// ManifestDeveloper identifies the publisher.
type ManifestDeveloper struct {
	Name          string `json:"name"`
	WebsiteURL    string `json:"websiteUrl"`
	PrivacyURL    string `json:"privacyUrl"`
	TermsOfUseURL string `json:"termsOfUseUrl"`
}

// ManifestText is a short/full text pair.
type ManifestText struct {
	Short string `json:"short"`
	Full  string `json:"full"`
}

// ManifestIcons names the icon files inside the package.
type ManifestIcons struct {
	Color   string `json:"color"`
	Outline string `json:"outline"`
}

// ManifestBot declares the bot capability.
type ManifestBot struct {
	BotID              string   `json:"botId"`
	Scopes             []string `json:"scopes"`
	SupportsFiles      bool     `json:"supportsFiles"`
	IsNotificationOnly bool     `json:"isNotificationOnly"`
}

// NewManifest fills in defaults and returns the manifest for opts.
func NewManifest(opts ManifestOptions) (*Manifest, error) {
	if strings.TrimSpace(opts.AppID) == "" {
		return nil, &ValidationError{Field: "msaAppId", Message: "msaAppId is required."}
	}
	if strings.TrimSpace(opts.Name) == "" {
		return nil, &ValidationError{Field: "name", Message: "Bot Name is required."}
	}
	if opts.AccentColor == "" {
		opts.AccentColor = "#4F52B2"
	}
	if _, err := parseHexColor(opts.AccentColor); err != nil {
		return nil, &ValidationError{Field: "accentColor", Message: err.Error()}
	}
	if opts.Version == "" {
		opts.Version = "1.0.0"
	}
	if opts.ShortDescription == "" {
		opts.ShortDescription = opts.Name + " bot"
	}
	if opts.FullDescription == "" {
		opts.FullDescription = opts.ShortDescription
	}
	if opts.DeveloperName == "" {
		opts.DeveloperName = opts.Name
	}
	if opts.WebsiteURL == "" {
		opts.WebsiteURL = "https://example.com"
	}
	site, err := url.Parse(opts.WebsiteURL)
	if err != nil || site.Scheme != "https" || site.Host == "" {
		return nil, &ValidationError{Field: "websiteUrl", Message: "websiteUrl must be an absolute https URL."}
	}

	return &Manifest{
		Schema:          manifestSchema,
		ManifestVersion: ManifestVersion,
		Version:         opts.Version,
		ID:              opts.AppID,
		Developer: ManifestDeveloper{
			Name:          truncate(opts.DeveloperName, 32),
			WebsiteURL:    opts.WebsiteURL,
			PrivacyURL:    opts.WebsiteURL,
			TermsOfUseURL: opts.WebsiteURL,
		},
		Name:        ManifestText{Short: truncate(opts.Name, 30), Full: truncate(opts.Name, 100)},
		Description: ManifestText{Short: truncate(opts.ShortDescription, 80), Full: truncate(opts.FullDescription, 4000)},
		Icons:       ManifestIcons{Color: "color.png", Outline: "outline.png"},
		AccentColor: strings.ToUpper(opts.AccentColor),
		Bots: []ManifestBot{{
			BotID:         opts.AppID,
			Scopes:        []string{"personal", "team", "groupchat"},
			SupportsFiles: true,
		}},
		Permissions:  []string{"identity", "messageTeamMembers"},
		ValidDomains: []string{site.Hostname()},
	}, nil
}

// BuildManifest returns a zip containing manifest.json, color.png and
// outline.png, ready for upload to Teams.
func BuildManifest(opts ManifestOptions) ([]byte, error) {
	m, err := NewManifest(opts)
	if err != nil {
		return nil, err
	}
	accent, _ := parseHexColor(m.AccentColor)

	manifestJSON, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	colorPNG, err := encodePNG(colorIcon(accent))
	if err != nil {
		return nil, fmt.Errorf("encoding color icon: %w", err)
	}
	outlinePNG, err := encodePNG(outlineIcon())
	if err != nil {
		return nil, fmt.Errorf("encoding outline icon: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := []struct {
		name string
		data []byte
	}{
		{"manifest.json", manifestJSON},
		{m.Icons.Color, colorPNG},
		{m.Icons.Outline, outlinePNG},
	}
	for _, f := range files {
		w, err := zw.Create(f.name)
		if err != nil {
			return nil, fmt.Errorf("adding %s: %w", f.name, err)
		}
		if _, err := w.Write(f.data); err != nil {
			return nil, fmt.Errorf("writing %s: %w", f.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("closing package: %w", err)
	}
	return buf.Bytes(), nil
}

// colorIcon is a solid accent square with a lighter inset.
func colorIcon(accent color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, ColorIconSize, ColorIconSize))
	inset := color.RGBA{R: lighten(accent.R), G: lighten(accent.G), B: lighten(accent.B), A: 0xff}
	for y := 0; y < ColorIconSize; y++ {
		for x := 0; x < ColorIconSize; x++ {
			c := accent
			if x >= 48 && x < 144 && y >= 48 && y < 144 {
				c = inset
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// outlineIcon is a white 2px frame on a transparent background, as Teams
// requires for outline icons.
func outlineIcon() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, OutlineIconSize, OutlineIconSize))
	white := color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	for y := 0; y < OutlineIconSize; y++ {
		for x := 0; x < OutlineIconSize; x++ {
			if x < 2 || y < 2 || x >= OutlineIconSize-2 || y >= OutlineIconSize-2 {
				img.SetRGBA(x, y, white)
			}
		}
	}
	return img
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func parseHexColor(s string) (color.RGBA, error) {
	if len(s) != 7 || s[0] != '#' {
		return color.RGBA{}, fmt.Errorf("accentColor must look like #RRGGBB, got %q", s)
	}
	v, err := strconv.ParseUint(s[1:], 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("accentColor must look like #RRGGBB, got %q", s)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}

func lighten(c uint8) uint8 {
	return c + (0xff-c)/2
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// ManifestFileName is the download name for a bot's manifest package.
func ManifestFileName(name string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, name)
	if clean == "" {
		clean = "bot"
	}
	return clean + "-manifest.zip"
}
