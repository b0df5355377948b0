/*
Package config loads management server configuration with viper.

Sources, lowest precedence first: built-in defaults, a YAML file, MSCLUSTER_
environment variables (dots become underscores) and command-line flags.

Durations accept Go duration strings ("1500ms", "2m30s"). A bare number is
read as milliseconds, so heartbeat_threshold: 150000 is the same as 2m30s.

	node:
	  msid: 1
	  name: ms-1
	cluster:
	  service_ip: 10.0.0.5
	  service_port: 9090
	  heartbeat_interval: 1500ms
	  heartbeat_threshold: 150000   # milliseconds
	  request_timeout: 5m0s
	  ping_timeout: 5s
	  ping_before_down: true
	  workers: 16
	  default_dispatcher: ping
	storage:
	  backend: bolt        # bolt | badger | remote
	  data_dir: /var/lib/mscluster
	  registry_addr: ""    # host:port of "mscluster registry serve" for remote
	api:
	  addr: 127.0.0.1:9091
	logging:
	  level: info
	  json: false
*/
package config
