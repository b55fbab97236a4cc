// Package lock grants exclusive, time-bounded edit locks on document
// sections. At most one live lock exists per (document, section) pair;
// acquisition is first-come-first-served with no queueing, so a rejected
// acquirer retries after the section frees. Locks expire when their holder
// stops renewing them and are cascaded away when the holder's presence
// lapses.
package lock
