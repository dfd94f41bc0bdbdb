package mongo

import (
	"time"

	"github.com/mohitkumar/dripflow/model"
	"go.mongodb.org/mongo-driver/bson"
)

// contactUpdateDocs translates a changeset into mongo operators. Tag removal
// comes back as a separate document because $pull and $addToSet cannot target
// the same field in one update.
func contactUpdateDocs(upd *model.ContactUpdate, now time.Time) (bson.M, bson.M) {
	set := bson.M{"updatedAt": now}
	unset := bson.M{}
	if upd.Status != nil {
		set["status"] = string(*upd.Status)
	}
	if upd.ClearCurrentStepId {
		unset["currentStepId"] = ""
	} else if upd.CurrentStepId != nil {
		set["currentStepId"] = *upd.CurrentStepId
	}
	if upd.CurrentStep != nil {
		set["currentStep"] = *upd.CurrentStep
	}
	if upd.ClearNextProcessingDate {
		set["nextProcessingDate"] = nil
	} else if upd.NextProcessingDate != nil {
		set["nextProcessingDate"] = upd.NextProcessingDate.UTC()
	}
	if upd.ClearLastError {
		set["lastError"] = nil
	} else if upd.LastError != nil {
		set["lastError"] = upd.LastError
	}
	if upd.LastEmailSent != nil {
		set["lastEmailSent"] = upd.LastEmailSent.UTC()
	}
	if upd.FlowId != nil {
		set["flow"] = *upd.FlowId
	}
	for k, v := range upd.Fields {
		switch k {
		case "firstName", "lastName", "email":
			set[k] = v
		}
	}
	for k, v := range upd.Metadata {
		set["metadata."+k] = v
	}
	for stepId, in := range upd.Interactions {
		set["interactions."+stepId] = in
	}

	doc := bson.M{"$set": set}
	if len(unset) > 0 {
		doc["$unset"] = unset
	}
	if len(upd.FlowPath) > 0 {
		doc["$push"] = bson.M{"flowPath": bson.M{"$each": upd.FlowPath}}
	}
	if len(upd.AddTags) > 0 {
		doc["$addToSet"] = bson.M{"tags": bson.M{"$each": upd.AddTags}}
	}
	inc := bson.M{}
	for field, v := range map[string]int64{
		"stats.emailsSent":       upd.Stats.EmailsSent,
		"stats.opens":            upd.Stats.Opens,
		"stats.clicks":           upd.Stats.Clicks,
		"stats.webhookCalls":     upd.Stats.WebhookCalls,
		"stats.actionsPerformed": upd.Stats.ActionsPerformed,
	} {
		if v != 0 {
			inc[field] = v
		}
	}
	if len(inc) > 0 {
		doc["$inc"] = inc
	}

	var pull bson.M
	if len(upd.RemoveTags) > 0 {
		pull = bson.M{"$pull": bson.M{"tags": bson.M{"$in": upd.RemoveTags}}}
	}
	return doc, pull
}
