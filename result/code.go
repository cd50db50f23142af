package result

type Code int32

const (
	CodeOK                               Code = 0
	CodeUnknown                          Code = -1
	CodeObjectStillUsed                  Code = -2
	CodeBadAlloc                         Code = -3
	CodeInvalidParam                     Code = -4
	CodeInvalidHandle                    Code = -5
	CodeWrongObjectType                  Code = -6
	CodeCanceled                         Code = -7
	CodeBusy                             Code = -8
	CodeTimeout                          Code = -9
	CodeTimerExpired                     Code = -10
	CodeBufferTooSmall                   Code = -11
	CodeOpenSocketFailed                 Code = -12
	CodeBindSocketFailed                 Code = -13
	CodeListenSocketFailed               Code = -14
	CodeSetSocketOptionFailed            Code = -15
	CodeInvalidRegex                     Code = -16
	CodeReadFileFailed                   Code = -17
	CodeRwSocketFailed                   Code = -18
	CodeConnectSocketFailed              Code = -19
	CodeInvalidMagicPrefix               Code = -20
	CodeIncompatibleVersion              Code = -21
	CodeDeserializeMsgFailed             Code = -22
	CodeAcceptSocketFailed               Code = -23
	CodeLoopbackConnection               Code = -24
	CodePasswordMismatch                 Code = -25
	CodeNetNameMismatch                  Code = -26
	CodeDuplicateBranchName              Code = -27
	CodeDuplicateBranchPath              Code = -28
	CodePayloadTooLarge                  Code = -29
	CodeParsingCmdlineFailed             Code = -30
	CodeParsingJsonFailed                Code = -31
	CodeParsingFileFailed                Code = -32
	CodeConfigNotValid                   Code = -33
	CodeHelpRequested                    Code = -34
	CodeWriteFileFailed                  Code = -35
	CodeUndefinedVariables               Code = -36
	CodeNoVariableSupport                Code = -37
	CodeVariableUsedInKey                Code = -38
	CodeInvalidTimeFormat                Code = -39
	CodeParsingTimeFailed                Code = -40
	CodeTxQueueFull                      Code = -41
	CodeInvalidOperationId               Code = -42
	CodeOperationNotRunning              Code = -43
	CodeInvalidUserMsgpack               Code = -44
	CodeJoinMulticastGroupFailed         Code = -45
	CodeEnumerateNetworkInterfacesFailed Code = -46
	CodeConfigurationSectionNotFound     Code = -47
	CodeConfigurationValidationFailed    Code = -48
	CodeWorkerAlreadyAdded               Code = -49
	CodeOpenFileFailed                   Code = -50
)

func (c Code) IsError() bool {
	return c < 0
}

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeUnknown:
		return "ERR_UNKNOWN"
	case CodeObjectStillUsed:
		return "ERR_OBJECT_STILL_USED"
	case CodeBadAlloc:
		return "ERR_BAD_ALLOC"
	case CodeInvalidParam:
		return "ERR_INVALID_PARAM"
	case CodeInvalidHandle:
		return "ERR_INVALID_HANDLE"
	case CodeWrongObjectType:
		return "ERR_WRONG_OBJECT_TYPE"
	case CodeCanceled:
		return "ERR_CANCELED"
	case CodeBusy:
		return "ERR_BUSY"
	case CodeTimeout:
		return "ERR_TIMEOUT"
	case CodeTimerExpired:
		return "ERR_TIMER_EXPIRED"
	case CodeBufferTooSmall:
		return "ERR_BUFFER_TOO_SMALL"
	case CodeOpenSocketFailed:
		return "ERR_OPEN_SOCKET_FAILED"
	case CodeBindSocketFailed:
		return "ERR_BIND_SOCKET_FAILED"
	case CodeListenSocketFailed:
		return "ERR_LISTEN_SOCKET_FAILED"
	case CodeSetSocketOptionFailed:
		return "ERR_SET_SOCKET_OPTION_FAILED"
	case CodeInvalidRegex:
		return "ERR_INVALID_REGEX"
	case CodeReadFileFailed:
		return "ERR_READ_FILE_FAILED"
	case CodeRwSocketFailed:
		return "ERR_RW_SOCKET_FAILED"
	case CodeConnectSocketFailed:
		return "ERR_CONNECT_SOCKET_FAILED"
	case CodeInvalidMagicPrefix:
		return "ERR_INVALID_MAGIC_PREFIX"
	case CodeIncompatibleVersion:
		return "ERR_INCOMPATIBLE_VERSION"
	case CodeDeserializeMsgFailed:
		return "ERR_DESERIALIZE_MSG_FAILED"
	case CodeAcceptSocketFailed:
		return "ERR_ACCEPT_SOCKET_FAILED"
	case CodeLoopbackConnection:
		return "ERR_LOOPBACK_CONNECTION"
	case CodePasswordMismatch:
		return "ERR_PASSWORD_MISMATCH"
	case CodeNetNameMismatch:
		return "ERR_NET_NAME_MISMATCH"
	case CodeDuplicateBranchName:
		return "ERR_DUPLICATE_BRANCH_NAME"
	case CodeDuplicateBranchPath:
		return "ERR_DUPLICATE_BRANCH_PATH"
	case CodePayloadTooLarge:
		return "ERR_PAYLOAD_TOO_LARGE"
	case CodeParsingCmdlineFailed:
		return "ERR_PARSING_CMDLINE_FAILED"
	case CodeParsingJsonFailed:
		return "ERR_PARSING_JSON_FAILED"
	case CodeParsingFileFailed:
		return "ERR_PARSING_FILE_FAILED"
	case CodeConfigNotValid:
		return "ERR_CONFIG_NOT_VALID"
	case CodeHelpRequested:
		return "ERR_HELP_REQUESTED"
	case CodeWriteFileFailed:
		return "ERR_WRITE_FILE_FAILED"
	case CodeUndefinedVariables:
		return "ERR_UNDEFINED_VARIABLES"
	case CodeNoVariableSupport:
		return "ERR_NO_VARIABLE_SUPPORT"
	case CodeVariableUsedInKey:
		return "ERR_VARIABLE_USED_IN_KEY"
	case CodeInvalidTimeFormat:
		return "ERR_INVALID_TIME_FORMAT"
	case CodeParsingTimeFailed:
		return "ERR_PARSING_TIME_FAILED"
	case CodeTxQueueFull:
		return "ERR_TX_QUEUE_FULL"
	case CodeInvalidOperationId:
		return "ERR_INVALID_OPERATION_ID"
	case CodeOperationNotRunning:
		return "ERR_OPERATION_NOT_RUNNING"
	case CodeInvalidUserMsgpack:
		return "ERR_INVALID_USER_MSGPACK"
	case CodeJoinMulticastGroupFailed:
		return "ERR_JOIN_MULTICAST_GROUP_FAILED"
	case CodeEnumerateNetworkInterfacesFailed:
		return "ERR_ENUMERATE_NETWORK_INTERFACES_FAILED"
	case CodeConfigurationSectionNotFound:
		return "ERR_CONFIGURATION_SECTION_NOT_FOUND"
	case CodeConfigurationValidationFailed:
		return "ERR_CONFIGURATION_VALIDATION_FAILED"
	case CodeWorkerAlreadyAdded:
		return "ERR_WORKER_ALREADY_ADDED"
	case CodeOpenFileFailed:
		return "ERR_OPEN_FILE_FAILED"
	default:
		return "ERR_INVALID_CODE"
	}
}

// Description returns the human-readable text for c.
func (c Code) Description() string {
	switch c {
	case CodeOK:
		return "Success"
	case CodeUnknown:
		return "Unknown internal error occured"
	case CodeObjectStillUsed:
		return "The object is still being used by another object"
	case CodeBadAlloc:
		return "Insufficient memory to complete the operation"
	case CodeInvalidParam:
		return "Invalid parameter"
	case CodeInvalidHandle:
		return "Invalid Handle"
	case CodeWrongObjectType:
		return "Object is of the wrong type"
	case CodeCanceled:
		return "The operation has been canceled"
	case CodeBusy:
		return "Operation failed because the object is busy"
	case CodeTimeout:
		return "The operation timed out"
	case CodeTimerExpired:
		return "The timer has not been started or already expired"
	case CodeBufferTooSmall:
		return "The supplied buffer is too small"
	case CodeOpenSocketFailed:
		return "Could not open a socket"
	case CodeBindSocketFailed:
		return "Could not bind a socket"
	case CodeListenSocketFailed:
		return "Could not listen on socket"
	case CodeSetSocketOptionFailed:
		return "Could not set a socket option"
	case CodeInvalidRegex:
		return "Invalid regular expression"
	case CodeReadFileFailed:
		return "Could not read from file"
	case CodeRwSocketFailed:
		return "Could not read from or write to socket"
	case CodeConnectSocketFailed:
		return "Could not connect a socket"
	case CodeInvalidMagicPrefix:
		return "The magic prefix sent when establishing a connection is wrong"
	case CodeIncompatibleVersion:
		return "The versions are not compatible"
	case CodeDeserializeMsgFailed:
		return "Could not deserialize a message"
	case CodeAcceptSocketFailed:
		return "Could not accept a socket"
	case CodeLoopbackConnection:
		return "Attempting to connect branch to itself"
	case CodePasswordMismatch:
		return "The passwords of the local and remote branch do not match"
	case CodeNetNameMismatch:
		return "The net names of the local and remote branch do not match"
	case CodeDuplicateBranchName:
		return "A branch with the same name is already active"
	case CodeDuplicateBranchPath:
		return "A branch with the same path is already active"
	case CodePayloadTooLarge:
		return "Message payload is too large"
	case CodeParsingCmdlineFailed:
		return "Parsing the command line failed"
	case CodeParsingJsonFailed:
		return "Parsing a JSON string failed"
	case CodeParsingFileFailed:
		return "Parsing a configuration file failed"
	case CodeConfigNotValid:
		return "The configuration is not valid"
	case CodeHelpRequested:
		return "Help/usage text requested"
	case CodeWriteFileFailed:
		return "Could not write to file"
	case CodeUndefinedVariables:
		return "One or more configuration variables are undefined or could not be resolved"
	case CodeNoVariableSupport:
		return "Support for configuration variables has been disabled"
	case CodeVariableUsedInKey:
		return "A configuration variable has been used in a key"
	case CodeInvalidTimeFormat:
		return "Invalid time format"
	case CodeParsingTimeFailed:
		return "Could not parse time string"
	case CodeTxQueueFull:
		return "A send queue for a remote branch is full"
	case CodeInvalidOperationId:
		return "Invalid operation ID"
	case CodeOperationNotRunning:
		return "Operation is not running"
	case CodeInvalidUserMsgpack:
		return "User-supplied data is not valid MessagePack"
	case CodeJoinMulticastGroupFailed:
		return "Joining UDP multicast group failed"
	case CodeEnumerateNetworkInterfacesFailed:
		return "Enumerating network interfaces failed"
	case CodeConfigurationSectionNotFound:
		return "The section could not be found in the configuration"
	case CodeConfigurationValidationFailed:
		return "Validating the configuration failed"
	case CodeWorkerAlreadyAdded:
		return "The context has already been added as a worker"
	case CodeOpenFileFailed:
		return "Could not open file"
	default:
		return "Invalid error code"
	}
}
