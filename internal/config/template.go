// ABOUTME: Annotated default configuration written by `coven-dispatch init`
// ABOUTME: Every key is shown with its default value

package config

// Template is a complete YAML configuration with defaults and comments.
const Template = `# coven-dispatch configuration

server:
  http_addr: "localhost:8080"

tailscale:
  enabled: false
  hostname: "coven-dispatch"
  auth_key: "${TS_AUTHKEY}"
  state_dir: ""
  ephemeral: false
  funnel: false

database:
  driver: "sqlite"        # sqlite, postgres or none
  path: ""                # defaults to ~/.local/share/coven/dispatch.db
  url: "${DISPATCH_DATABASE_URL}"

auth:
  token: "${DISPATCH_TOKEN}"   # empty leaves the API open
  header: "X-Agent-Token"

agents:
  heartbeat_timeout: "0s" # 0 disables the reaper
  reap_interval: "30s"

jobs:
  history_size: 20
  workers: 8
  idempotency_ttl: "10m"
  timeout: "0s"           # per-job handler limit; 0 disables
  delays:
    generate: "1200ms"
    proof: "600ms"
    schedule: "300ms"

queue:
  driver: "none"          # none, memory, sqs or nats
  poll_interval: "2s"
  batch_size: 10
  wait_time: "1s"
  visibility_timeout: "30s"
  sqs:
    queue_url: ""
    region: ""
    endpoint: ""
  nats:
    url: ""
    stream: "DISPATCH_JOBS"
    subject: "dispatch.jobs"
    consumer: "dispatch-bridge"
    ack_wait: "30s"

webhook:
  url: ""
  room: "agent-status"
  timeout: "5s"

stream:
  ping_interval: "15s"

policy:
  path: ""                # rego module; empty uses the built-in proof policy

logging:
  level: "info"           # debug, info, warn, error
  format: "text"          # text, json
`
