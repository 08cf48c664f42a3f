package cproto

// Command is a cproto command code. The codec is agnostic to what a
// command means; only the FSM special-cases cmdPing and cmdLogin.
type Command uint16

const (
	cmdPing Command = iota
	cmdLogin
	cmdOpenDatabase
	cmdCloseDatabase
	cmdDropDatabase
	cmdOpenNamespace
	cmdCloseNamespace
	cmdDropNamespace
	cmdAddIndex
	cmdDropIndex
	cmdUpdateIndex
	cmdEnumNamespaces
	cmdStartTransaction
	cmdAddTxItem
	cmdCommitTx
	cmdRollbackTx
	cmdCommit
	cmdModifyItem
	cmdDeleteQuery
	cmdUpdateQuery
	cmdSelect
	cmdSelectSQL
	cmdFetchResults
	cmdCloseResults
	cmdGetMeta
	cmdPutMeta
	cmdEnumMeta
)
