// Package sanitizer normalizes caller input before it is validated and stored.
//
// All functions are idempotent. Queue names are lowercased and reduced to
// letters, digits, '-' and '_' so that "Critical " and "critical" name the
// same queue. Job ids are only trimmed since they are opaque references.
package sanitizer
