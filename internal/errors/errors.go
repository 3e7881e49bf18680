package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 表示编排核心内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于日志分级和指标标签。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Class 对错误码做粗粒度归类，决定调用方的处理策略。
type Class string

const (
	// ClassNotFound 任务在内存和持久化存储中均不存在。
	ClassNotFound Class = "not-found"
	// ClassTransport 连接或发送失败，由重连协议处理。
	ClassTransport Class = "transient-transport"
	// ClassHandler 订阅者处理失败，按处理器隔离。
	ClassHandler Class = "handler-fault"
	// ClassPersistence 持久化写入失败，必须产生 failed 状态的 task-update。
	ClassPersistence Class = "persistence-fault"
	// ClassCaller 调用方传入的数据有误。
	ClassCaller Class = "caller"
	// ClassInternal 其余内部错误。
	ClassInternal Class = "internal"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Class     Class
	Retryable bool
}

const (
	CodeUnknown          Code = "UNKNOWN"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeTimeout          Code = "TIMEOUT"
	CodeRetriesExhausted Code = "RETRIES_EXHAUSTED"

	CodeTaskNotFound         Code = "TASK_NOT_FOUND"
	CodeTaskConflict         Code = "TASK_CONFLICT"
	CodeTaskValidationFailed Code = "TASK_VALIDATION_FAILED"
	CodePersistenceFailure   Code = "PERSISTENCE_FAILURE"
	CodeRecordNotFound       Code = "RECORD_NOT_FOUND"

	CodeTransportFailure     Code = "TRANSPORT_FAILURE"
	CodeHandlerFault         Code = "HANDLER_FAULT"
	CodeEventPayloadMismatch Code = "EVENT_PAYLOAD_MISMATCH"
	CodeUnknownTopic         Code = "UNKNOWN_TOPIC"
	CodeWiringIncomplete     Code = "WIRING_INCOMPLETE"

	CodeProviderFailure Code = "PROVIDER_FAILURE"
	CodeChainFailure    Code = "CHAIN_FAILURE"
	CodeConfigInvalid   Code = "CONFIG_INVALID"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:          {Message: "unknown error", Severity: SeverityCritical, Class: ClassInternal},
		CodeInvalidArgument:  {Message: "invalid argument", Severity: SeverityInfo, Class: ClassCaller},
		CodeTimeout:          {Message: "operation timed out", Severity: SeverityWarning, Class: ClassTransport, Retryable: true},
		CodeRetriesExhausted: {Message: "retries exhausted", Severity: SeverityWarning, Class: ClassInternal},

		CodeTaskNotFound:         {Message: "no such task", Severity: SeverityInfo, Class: ClassNotFound},
		CodeTaskConflict:         {Message: "task transition rejected", Severity: SeverityWarning, Class: ClassCaller},
		CodeTaskValidationFailed: {Message: "task validation failed", Severity: SeverityInfo, Class: ClassCaller},
		CodePersistenceFailure:   {Message: "durable store failure", Severity: SeverityCritical, Class: ClassPersistence, Retryable: true},
		CodeRecordNotFound:       {Message: "record not found", Severity: SeverityInfo, Class: ClassNotFound},

		CodeTransportFailure:     {Message: "transport failure", Severity: SeverityWarning, Class: ClassTransport, Retryable: true},
		CodeHandlerFault:         {Message: "handler fault", Severity: SeverityWarning, Class: ClassHandler},
		CodeEventPayloadMismatch: {Message: "payload does not match topic", Severity: SeverityWarning, Class: ClassCaller},
		CodeUnknownTopic:         {Message: "unknown topic", Severity: SeverityWarning, Class: ClassCaller},
		CodeWiringIncomplete:     {Message: "event routes without subscribers", Severity: SeverityCritical, Class: ClassInternal},

		CodeProviderFailure: {Message: "llm provider failure", Severity: SeverityWarning, Class: ClassHandler, Retryable: true},
		CodeChainFailure:    {Message: "chain call failure", Severity: SeverityWarning, Class: ClassHandler, Retryable: true},
		CodeConfigInvalid:   {Message: "invalid configuration", Severity: SeverityCritical, Class: ClassCaller},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	severity  *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息，例如 task_id、topic。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Newf 使用格式化字符串创建错误。
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// Class 返回错误归类。
func (e *Error) Class() Class {
	if e == nil {
		return ClassInternal
	}
	return AttributesOf(e.code).Class
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// ClassOf 返回任意 error 的归类。
func ClassOf(err error) Class {
	if e, ok := From(err); ok {
		return e.Class()
	}
	return ClassInternal
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
