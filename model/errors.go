package model

import "time"

type ErrorType string

const ERROR_PERMANENT_DELIVERY ErrorType = "permanent_delivery_failure"
const ERROR_TRANSIENT_DELIVERY ErrorType = "transient_delivery_failure"
const ERROR_WEBHOOK ErrorType = "webhook_failure"
const ERROR_CONDITION_EVALUATION ErrorType = "condition_evaluation_failure"
const ERROR_MISSING_STEP ErrorType = "missing_step_failure"
const ERROR_VALIDATION ErrorType = "validation_failure"
const ERROR_ACTION ErrorType = "action_failure"
const ERROR_EXECUTION ErrorType = "execution_failure"
const ERROR_FLOW_NOT_FOUND ErrorType = "flow_not_found"

type ErrorRecord struct {
	Id           string         `json:"id" bson:"id"`
	StepId       string         `json:"stepId,omitempty" bson:"stepId,omitempty"`
	ContactId    string         `json:"contactId,omitempty" bson:"contactId,omitempty"`
	ContactEmail string         `json:"contactEmail,omitempty" bson:"contactEmail,omitempty"`
	ErrorType    ErrorType      `json:"errorType" bson:"errorType"`
	ErrorMessage string         `json:"errorMessage" bson:"errorMessage"`
	Extra        map[string]any `json:"extra,omitempty" bson:"extra,omitempty"`
	Timestamp    time.Time      `json:"timestamp" bson:"timestamp"`
}

type LastError struct {
	StepId       string    `json:"stepId,omitempty" bson:"stepId,omitempty"`
	ErrorType    ErrorType `json:"errorType" bson:"errorType"`
	ErrorMessage string    `json:"errorMessage" bson:"errorMessage"`
	Timestamp    time.Time `json:"timestamp" bson:"timestamp"`
}
