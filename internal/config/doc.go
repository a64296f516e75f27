/*
Package config loads the mapperfs configuration.

Sources are applied in order of increasing precedence:

	┌──────────────────────────────┐
	│  Environment (MAPPERFS_*)    │ ← highest
	├──────────────────────────────┤
	│  YAML file (-config)         │
	├──────────────────────────────┤
	│  Compiled-in defaults        │ ← lowest
	└──────────────────────────────┘

Example file:

	global:
	  log_level: INFO
	  log_format: json
	  drain_timeout: 10s
	histogram:
	  us: {grain: 100, buckets: 10}
	  ms: {grain: 100, buckets: 10}
	  s:  {grain: 1, buckets: 5}
	store:
	  type: redis
	  prefix: mapperfs/devices/
	  redis:
	    addr: localhost:6379
	mount:
	  enabled: true
	  mountpoint: /run/mapperfs
	  backend: gofuse
	api:
	  address: 127.0.0.1:8470
	  write_rate: 50
	  write_burst: 10
	metrics:
	  port: 9100
	devices:
	  - name: vg0-data
	    uuid: LVM-Zx3k9
	  - name: vg0-scratch

Environment overrides:

	MAPPERFS_LOG_LEVEL, MAPPERFS_LOG_FORMAT, MAPPERFS_LOG_FILE, MAPPERFS_DRAIN_TIMEOUT
	MAPPERFS_STORE_TYPE, MAPPERFS_STORE_PREFIX, MAPPERFS_BUNTDB_PATH
	MAPPERFS_REDIS_ADDR, MAPPERFS_REDIS_PASSWORD, MAPPERFS_REDIS_DB
	MAPPERFS_S3_BUCKET, MAPPERFS_S3_REGION, MAPPERFS_S3_ENDPOINT, MAPPERFS_S3_FORCE_PATH_STYLE
	MAPPERFS_STORE_CONNECT_ATTEMPTS, MAPPERFS_STORE_BREAKER_ENABLED
	MAPPERFS_MOUNT_ENABLED, MAPPERFS_MOUNTPOINT, MAPPERFS_MOUNT_BACKEND
	MAPPERFS_API_ENABLED, MAPPERFS_API_ADDRESS, MAPPERFS_API_WRITE_RATE
	MAPPERFS_METRICS_ENABLED, MAPPERFS_METRICS_PORT, MAPPERFS_METRICS_PPROF

Load runs the whole chain and validates the result:

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
*/
package config
