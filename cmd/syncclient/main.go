package main

import (
	"flag"
	"os"

	syncclient "github.com/matrix-org/sync-client"
)

var (
	flagDestinationServer = flag.String("server", "", "The homeserver to sync against")
	flagAccessToken       = flag.String("token", "", "Access token for the account (or set SYNC_ACCESS_TOKEN)")
	flagUserID            = flag.String("user", "", "The user ID to sync as")
	flagDeviceID          = flag.String("device", "", "The device ID of the access token")
	flagPostgres          = flag.String("db", "user=postgres dbname=syncclient sslmode=disable", "Postgres DB connection string (see lib/pq docs)")
	flagLazyLoad          = flag.Bool("lazy-load-members", true, "Request lazy-loaded room members")
	flagMetrics           = flag.String("metrics", "", "Bind address for prometheus metrics, e.g :2112")
)

func main() {
	flag.Parse()
	token := *flagAccessToken
	if token == "" {
		token = os.Getenv("SYNC_ACCESS_TOKEN")
	}
	if *flagDestinationServer == "" || *flagUserID == "" || token == "" {
		flag.Usage()
		os.Exit(1)
	}
	syncclient.RunSyncClient(syncclient.Opts{
		DestinationServer: *flagDestinationServer,
		AccessToken:       token,
		UserID:            *flagUserID,
		DeviceID:          *flagDeviceID,
		PostgresURI:       *flagPostgres,
		LazyLoadMembers:   *flagLazyLoad,
		MetricsBindAddr:   *flagMetrics,
	})
}
