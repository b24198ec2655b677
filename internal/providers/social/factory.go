package social

import (
	"github.com/cryptopulse/signalpipe/pkg/apperrors"
	"github.com/cryptopulse/signalpipe/pkg/telemetry/logger"
)

// BackendConfigFunc resolves a named backend's HTTPConfig fields; the
// caller (cmd/ wiring) supplies one backed by appconfig.SocialConfig's
// per-backend env lookups, keeping this package free of an appconfig
// import.
type BackendConfigFunc func(name string) (baseURL, apiKey string, timeoutMS int)

// BuildMultiSource constructs the ordered backend list named by
// X_BACKENDS and wraps it in a MultiSource. "off" and "mock"
// need no external config; "graphql"/"api"/"apify" resolve their base
// URL/API key/timeout via resolveCfg.
func BuildMultiSource(names []string, resolveCfg BackendConfigFunc, mock *MockSource, log *logger.Logger) (*MultiSource, error) {
	if len(names) == 0 {
		names = []string{"off"}
	}
	sources := make([]Source, 0, len(names))
	for _, name := range names {
		switch Backend(name) {
		case BackendOff:
			sources = append(sources, OffSource{})
		case BackendMock:
			if mock == nil {
				mock = &MockSource{}
			}
			sources = append(sources, *mock)
		case BackendGraphQL, BackendAPI, BackendApify:
			baseURL, apiKey, timeoutMS := resolveCfg(name)
			src, err := NewHTTPSource(HTTPConfig{Backend: Backend(name), BaseURL: baseURL, APIKey: apiKey, TimeoutMS: timeoutMS})
			if err != nil {
				return nil, err
			}
			sources = append(sources, src)
		default:
			return nil, apperrors.Validation("unknown social backend %q", name)
		}
	}
	return NewMultiSource(sources, log), nil
}
