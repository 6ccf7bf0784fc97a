package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/replay-cache/replay-cache/cache"
	"github.com/replay-cache/replay-cache/transport"
)

var (
	configFilenameFlag string
	portFlag           int
	originFlag         string
	providerFlag       string
	dirFlag            string
	levelsFlag         int
	verbosityTraceFlag bool
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin to proxy to (overrides config)")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&providerFlag, "provider", "file", "Cache provider to use: file, sqlite or memory")
	flag.StringVar(&dirFlag, "dir", "./replay-cache-data", "Root directory for the cache")
	flag.IntVar(&levelsFlag, "levels", cache.DefaultLevels, "Subdirectory levels in the cache trees")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
}

func main() {
	flag.Parse()

	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}
	log.Logger = log.Level(logLevel).Output(zerolog.ConsoleWriter{Out: os.Stdout})

	config := Config{
		Port:   portFlag,
		Origin: originFlag,
		Cache: CacheConfig{
			Provider: providerFlag,
			Dir:      dirFlag,
			Levels:   levelsFlag,
		},
	}

	if configFilenameFlag != "" {
		fileConfig, err := getConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not read config file")
		}
		if fileConfig.Port > 0 {
			config.Port = fileConfig.Port
		}
		if fileConfig.Cache.Provider != "" {
			config.Cache.Provider = fileConfig.Cache.Provider
		}
		if fileConfig.Cache.Dir != "" {
			config.Cache.Dir = fileConfig.Cache.Dir
		}
		if fileConfig.Cache.Levels > 0 {
			config.Cache.Levels = fileConfig.Cache.Levels
		}
		if config.Origin == "" {
			config.Origin = fileConfig.Origin
		}
	}

	// use the configured provider, bail if none matches
	var store cache.Cache
	switch config.Cache.Provider {
	case "file":
		store = cache.NewFileCache(config.Cache.Dir, config.Cache.Levels, log.Logger)
	case "sqlite":
		var err error
		store, err = cache.NewSQLiteCache(config.Cache.Dir, config.Cache.Levels, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open sqlite cache")
		}
	case "memory":
		store = cache.NewMemCache()
	default:
		log.Fatal().Msgf("Unsupported cache provider: %s", config.Cache.Provider)
	}

	if config.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originURL, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin")
	}

	rt := transport.New(cache.NewHTTPCache(store, log.Logger), nil, log.Logger)
	defer rt.Close()

	p := &proxy{
		origin: originURL,
		client: &http.Client{
			Transport: rt,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}

	r := chi.NewRouter()
	r.Handle("/*", p)

	log.Info().Msgf("Proxying port %d to %s", config.Port, originURL)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", config.Port), r); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

// proxy forwards every request to the origin through the caching client
// and pipes the response back. Draining the response body to the client is
// also what persists a freshly cached entry.
type proxy struct {
	origin *url.URL
	client *http.Client
}

func (p *proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// need to specifically set body to nil on the outgoing request if
	// content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequest(r.Method, p.origin.String()+r.URL.RequestURI(), body)
	if err != nil {
		http.Error(w, "Could not create origin request", http.StatusInternalServerError)
		return
	}
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")

	res, err := p.client.Do(req)
	if err != nil {
		log.Error().Err(err).Str("uri", req.URL.String()).Msg("Could not get response")
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()

	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	if _, err := io.Copy(w, res.Body); err != nil {
		log.Error().Err(err).Msg("Error writing to client")
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
