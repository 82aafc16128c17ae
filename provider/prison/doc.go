// Package prison is the identity adapter for the prison staff directory, read
// directly from its Postgres schema through pgx. Credentials never leave the
// directory: authentication and locking go through its stored functions.
package prison
