// Package registry provides the package sources the retriever resolves and
// extracts from, plus the HTTP server that publishes a feed directory.
//
// # Sources
//
// Every source implements Source:
//
//	feed := registry.NewFileSystemSource("/srv/feed", logger)      // {id}.{version}.zip|.tar.gz files
//	remote := registry.NewHTTPSource("https://pkgs.example", nil, logger)
//	bucket, err := registry.NewS3Source(ctx, registry.S3Config{Bucket: "pkgs"}, logger)
//
// Remote sources can be wrapped with an index cache (LRU in process, Redis
// shared between hosts):
//
//	cached := registry.NewCachingSource(remote, registry.CacheConfig{Redis: client})
//
// # Archives
//
// Packages are zip or tar.gz archives whose root optionally holds an
// impromptu.yaml manifest and whose impromptu/ folder holds Lua modules:
//
//	err := registry.PackFile("./calculator-additor", "feed/Calculator.Extension.Additor.1.0.0.zip", registry.FormatZip)
//
// # Server
//
//	srv := registry.NewServer(feed, metrics, logger)
//	stop, err := srv.Watch() // invalidate the listing on feed changes
//	http.ListenAndServe(":8080", srv.Router())
package registry
