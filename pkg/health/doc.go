/*
Package health serves the dispatcher's /healthz endpoint: 200 with a
JSON body when the session manager is connected, 503 otherwise. It is
consumed by process supervisors (systemd watchdogs, container
orchestrators), never by the broker itself.
*/
package health
