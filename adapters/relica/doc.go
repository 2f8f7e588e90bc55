// Package relica provides the Relica-backed EventStore implementation used
// by the worker. It talks to the platform's relational database (MySQL,
// PostgreSQL, or SQLite) through database/sql.
package relica
