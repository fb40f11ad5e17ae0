// Package domain defines the core types and collaborator interfaces for Kestrel.
package domain
