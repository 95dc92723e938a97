// Package testutil contains test helpers and generated mocks shared by the package tests.
package testutil

//go:generate go tool mockgen -package netmock -destination netmock/netmock.go net Conn,PacketConn,Listener
