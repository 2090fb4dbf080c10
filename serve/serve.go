package serve

import (
	"net/http"
	"os"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes are the handlers of the web frontend. Nil handlers are not mounted.
type Routes struct {
	Meta    *MetaServer
	Updates *MetaUpdater
	Centers *CentersServer
	Runs    *RunServer
	Frames  *FileServer
	Videos  *FileServer
	Delete  *DeleteServer
	// MJPEG serves the live annotated streams.
	MJPEG http.Handler
	// Push mounts the web push subscription endpoints.
	Push interface{ RegisterHandlers(mux *http.ServeMux) }
}

// Handler mounts the routes and wraps them in an access log.
func (rs *Routes) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mount := func(path string, h http.Handler, ok bool) {
		if ok {
			mux.Handle(path, h)
		}
	}
	mount("/status", rs.Meta, rs.Meta != nil)
	mount("/eventsws", rs.Updates, rs.Updates != nil)
	mount("/centers", rs.Centers, rs.Centers != nil)
	mount("/runs", rs.Runs, rs.Runs != nil)
	mount("/frame", rs.Frames, rs.Frames != nil)
	mount("/video", rs.Videos, rs.Videos != nil)
	mount("/delete", rs.Delete, rs.Delete != nil)
	mount("/mjpeg", rs.MJPEG, rs.MJPEG != nil)
	if rs.Push != nil {
		rs.Push.RegisterHandlers(mux)
	}
	return handlers.LoggingHandler(os.Stderr, mux)
}
